package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database and Redis configuration
	Database DatabaseConfig
	Redis    storage.RedisConfig

	// Reconciliation scheduler configuration
	Scheduler SchedulerConfig

	// Authentication configuration
	Auth AuthConfig

	// Archive configuration
	Archive ArchiveConfig

	// Observability configuration
	Observability ObservabilityConfig

	// PolicyFile is the YAML file declaring watched tables and validation
	// rules. Empty means the built-in research schema and no rules.
	PolicyFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds the audit store connection settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool
}

// SchedulerConfig holds the drain schedule
type SchedulerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// AuthConfig holds the OIDC verifier settings and the administrative roles
type AuthConfig struct {
	OIDCIssuer   string
	OIDCClientID string
	// OIDCClientSecret and OIDCRedirectURL enable the browser login routes.
	OIDCClientSecret string
	OIDCRedirectURL  string
	RoleClaim        string
	AdminRoles       principal.RoleSet
	// DevHeaders trusts X-Clinaudit-User/Role headers instead of tokens.
	// Never enable in production.
	DevHeaders bool
}

// ArchiveConfig holds the S3 target of sealed audit ranges
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Enabled reports whether an archive bucket is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadConfig() *Config {
	return &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Scheduler:     loadSchedulerConfig(),
		Auth:          loadAuthConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
		PolicyFile:    getEnv("CLINAUDIT_POLICY_FILE", ""),
	}
}

// LoadBackgroundConfig is LoadConfig for processes that serve no API.
func LoadBackgroundConfig() (*Config, error) {
	cfg := loadConfig()
	if err := cfg.ValidateBackground(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CLINAUDIT_HOST", "0.0.0.0"),
		Port:            getEnv("CLINAUDIT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CLINAUDIT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CLINAUDIT_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("CLINAUDIT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CLINAUDIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CLINAUDIT_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("CLINAUDIT_DATABASE_URL", ""),
		ReplicaURLs: storage.ParseReplicaURLs(getEnv("CLINAUDIT_DATABASE_REPLICA_URLS", "")),
		MaxConns:    getEnvInt("CLINAUDIT_DATABASE_MAX_CONNS", 20),
		MinConns:    getEnvInt("CLINAUDIT_DATABASE_MIN_CONNS", 2),
		Timeout:     getEnvDuration("CLINAUDIT_DATABASE_TIMEOUT", 10*time.Second),
		AutoMigrate: getEnvBool("CLINAUDIT_AUTO_MIGRATE", false),
	}
}

// loadRedisConfig loads the lock store configuration from environment
func loadRedisConfig() storage.RedisConfig {
	return storage.RedisConfig{
		URL:        getEnv("CLINAUDIT_REDIS_URL", ""),
		Password:   getEnv("CLINAUDIT_REDIS_PASSWORD", ""),
		DB:         getEnvInt("CLINAUDIT_REDIS_DB", 0),
		MaxRetries: getEnvInt("CLINAUDIT_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("CLINAUDIT_REDIS_POOL_SIZE", 10),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:   getEnvBool("CLINAUDIT_SCHEDULER_ENABLED", true),
		Interval:  getEnvDuration("CLINAUDIT_SCHEDULER_INTERVAL", time.Minute),
		BatchSize: getEnvInt("CLINAUDIT_BATCH_SIZE", 500),
	}
}

func loadAuthConfig() AuthConfig {
	admins := principal.NewRoleSet(strings.Split(getEnv("CLINAUDIT_ADMIN_ROLES", ""), ",")...)
	if len(admins) == 0 {
		admins = principal.DefaultAdminRoles()
	}
	return AuthConfig{
		OIDCIssuer:   getEnv("CLINAUDIT_OIDC_ISSUER", ""),
		OIDCClientID: getEnv("CLINAUDIT_OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("CLINAUDIT_OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:  getEnv("CLINAUDIT_OIDC_REDIRECT_URL", ""),
		RoleClaim:        getEnv("CLINAUDIT_OIDC_ROLE_CLAIM", "role"),
		AdminRoles:       admins,
		DevHeaders:       getEnvBool("CLINAUDIT_DEV_HEADERS", false),
	}
}

// LoginEnabled reports whether the browser login routes are configured.
func (a AuthConfig) LoginEnabled() bool {
	return a.OIDCIssuer != "" && a.OIDCClientSecret != "" && a.OIDCRedirectURL != ""
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("CLINAUDIT_S3_BUCKET", ""),
		Prefix:       getEnv("CLINAUDIT_S3_PREFIX", "audit"),
		Region:       getEnv("CLINAUDIT_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("CLINAUDIT_S3_ENDPOINT", ""),
		AccessKey:    getEnv("CLINAUDIT_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("CLINAUDIT_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("CLINAUDIT_S3_USE_PATH_STYLE", false),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           normalizeLogLevel(getEnv("CLINAUDIT_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("CLINAUDIT_LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("CLINAUDIT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CLINAUDIT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CLINAUDIT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CLINAUDIT_OTEL_SERVICE_NAME", "clinaudit"),
		OTelServiceVersion: getEnv("CLINAUDIT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CLINAUDIT_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CLINAUDIT_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid for the API server
func (c *Config) Validate() error {
	if err := c.ValidateBackground(); err != nil {
		return err
	}
	if !c.Auth.DevHeaders {
		if c.Auth.OIDCIssuer == "" || c.Auth.OIDCClientID == "" {
			return fmt.Errorf("OIDC issuer and client id are required unless dev headers are enabled")
		}
	}
	return nil
}

// ValidateBackground checks everything except authentication, which the
// reconciler and the admin tool do not serve.
func (c *Config) ValidateBackground() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if len(c.Database.ReplicaURLs) > 0 && storage.DialectFromURL(c.Database.URL) == storage.DialectSQLite {
		return fmt.Errorf("read replicas are only supported with postgres")
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	if c.Archive.Enabled() && (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be set together")
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("invalid OpenTelemetry sample ratio: %v (must be between 0 and 1)", r)
		}
	}

	return nil
}

// normalizeLogLevel maps a level name to one logrus accepts
func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
