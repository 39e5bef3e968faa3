package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/dedup"
)

// Config for the Redis Streams backend.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer group
	Group     string
	BatchSize int
	Block     time.Duration

	// Failure handling
	MaxRetries   int
	RetryBackoff time.Duration
	DLQSuffix    string
	DisableDLQ   bool
	DedupWindow  int

	Logger *xlog.Logger
	Clock  xclock.Clock
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		Group:        "af_group",
		BatchSize:    10,
		Block:        2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		DLQSuffix:    xcomm.DefaultDLQSuffix,
		DedupWindow:  dedup.DefaultCapacity,
	}
}

// Validate checks Config for readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

// ConfigFromMap safely converts a generic config blob into Config.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := getInt(m, "batch_size"); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := getDur(m, "block"); ok && v > 0 {
		c.Block = v
	}
	if v, ok := getInt(m, "max_retries"); ok && v >= 0 {
		c.MaxRetries = v
	}
	if v, ok := getDur(m, "retry_backoff"); ok && v > 0 {
		c.RetryBackoff = v
	}
	if v, ok := m["dlq_suffix"].(string); ok && v != "" {
		c.DLQSuffix = v
	}
	if v, ok := m["disable_dlq"].(bool); ok {
		c.DisableDLQ = v
	}
	if v, ok := getInt(m, "dedup_window"); ok && v > 0 {
		c.DedupWindow = v
	}
	return c
}

func getInt(m map[string]any, k string) (int, bool) {
	switch v := m[k].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func getDur(m map[string]any, k string) (time.Duration, bool) {
	switch v := m[k].(type) {
	case time.Duration:
		return v, true
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p, true
		}
	case float64:
		return time.Duration(v), true
	}
	return 0, false
}
