package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ParseJSON decodes a single JSON value from the request body into dest.
// Trailing data after the value is rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("invalid JSON: unexpected data after the request body")
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// queryParam parses the query parameter key, returning def when absent.
func queryParam[T any](r *http.Request, key string, def T, kind string, parse func(string) (T, error)) (T, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	val, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s for query param %s: %s", kind, key, raw)
	}
	return val, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	return queryParam(r, key, defaultVal, "integer", strconv.Atoi)
}

// ParseQueryInt64 is ParseQueryInt for sequence numbers.
func ParseQueryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	return queryParam(r, key, defaultVal, "integer", func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return defaultVal
}

// ParseQueryTime parses an RFC 3339 query parameter into UTC. A missing
// parameter yields the zero time.
func ParseQueryTime(r *http.Request, key string) (time.Time, error) {
	return queryParam(r, key, time.Time{}, "RFC 3339 time", func(s string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339, s)
		return t.UTC(), err
	})
}
