package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readinessTimeout bounds one readiness probe across all checks.
const readinessTimeout = 5 * time.Second

// CheckFunc probes one dependency. It sets Status and Message; latency
// and timestamp are filled in by the checker.
type CheckFunc func(ctx context.Context) DependencyStatus

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type dependency struct {
	name     string
	required bool
	check    CheckFunc
}

// HealthChecker aggregates dependency checks into liveness and readiness
// probes. A failing required dependency makes the process unhealthy; a
// failing optional one only degrades it.
type HealthChecker struct {
	version string

	mu   sync.RWMutex
	deps []dependency
}

// NewHealthChecker creates a checker with the database as a required
// dependency and Redis, when non-nil, as an optional one. Redis only
// guards tick overlap across processes, so losing it degrades.
func NewHealthChecker(db *sql.DB, rdb *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.AddCheck("database", true, DatabaseCheck(db))
	}
	if rdb != nil {
		h.AddCheck("redis", false, RedisCheck(rdb))
	}
	return h
}

// AddCheck registers a named dependency. Names are unique; a second
// registration replaces the first.
func (h *HealthChecker) AddCheck(name string, required bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, d := range h.deps {
		if d.name == name {
			h.deps[i] = dependency{name: name, required: required, check: check}
			return
		}
	}
	h.deps = append(h.deps, dependency{name: name, required: required, check: check})
}

// Liveness returns a simple liveness probe (always returns 200 if server is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness runs every check and answers 503 when a required dependency
// is down.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check runs all registered checks concurrently.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	deps := append([]dependency(nil), h.deps...)
	h.mu.RUnlock()

	results := make([]DependencyStatus, len(deps))
	var wg sync.WaitGroup
	for i, d := range deps {
		wg.Add(1)
		go func(i int, d dependency) {
			defer wg.Done()
			start := time.Now()
			res := d.check(ctx)
			res.Latency = time.Since(start)
			res.Timestamp = start
			if res.Status == "" {
				res.Status = StatusHealthy
			}
			results[i] = res
		}(i, d)
	}
	wg.Wait()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(deps)),
	}
	for i, d := range deps {
		res := results[i]
		status.Dependencies[d.name] = res
		status.Status = worse(status.Status, effective(res.Status, d.required))
	}
	return status
}

// Names lists the registered dependencies.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.deps))
	for _, d := range h.deps {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

func effective(status string, required bool) string {
	if status == StatusUnhealthy && !required {
		return StatusDegraded
	}
	return status
}

var statusRank = map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

func worse(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// DatabaseCheck pings db and runs a trivial query. An exhausted pool
// degrades.
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) DependencyStatus {
		if err := db.PingContext(ctx); err != nil {
			return DependencyStatus{Status: StatusUnhealthy, Message: err.Error()}
		}
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return DependencyStatus{Status: StatusUnhealthy, Message: "query failed: " + err.Error()}
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 1 && stats.InUse >= stats.MaxOpenConnections {
			return DependencyStatus{Status: StatusDegraded, Message: "connection pool exhausted"}
		}
		return DependencyStatus{Status: StatusHealthy}
	}
}

// RedisCheck pings rdb.
func RedisCheck(rdb *redis.Client) CheckFunc {
	return func(ctx context.Context) DependencyStatus {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return DependencyStatus{Status: StatusUnhealthy, Message: err.Error()}
		}
		return DependencyStatus{Status: StatusHealthy}
	}
}

func writeHealth(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(r *mux.Router, checker *HealthChecker) {
	r.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
