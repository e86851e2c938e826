// Package config loads daemon configuration from the environment using
// envconfig, the way mycelian-ai-mycelian-memory's server/internal/config
// package does for its own daemon-shaped service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the daemon's full runtime configuration. Every interval named
// in spec.md §5 (keepalive cadence, flush cadence, retry backoff, socket
// timeout) gets a field here instead of being hard-coded, so operators can
// tune them without a rebuild.
type Config struct {
	// TargetDatabaseURIs is a static list of target databases to supervise.
	// At least one of it and MasterDatabaseURI is required; when both are
	// set, the static targets and the master catalog run side by side.
	TargetDatabaseURIs []string `envconfig:"TARGET_DB" default:""`

	// MasterDatabaseURI, when set, switches the daemon into master-catalog
	// mode (spec.md §4.7 / SPEC_FULL.md §5): supervisors are spawned and
	// retired in response to rows in MasterDatabaseTable.
	MasterDatabaseURI   string `envconfig:"MASTER_DB" default:""`
	MasterDatabaseTable string `envconfig:"MASTER_DB_TABLE" default:"lantern_daemon_databases"`
	MasterDatabaseSchema string `envconfig:"MASTER_DB_SCHEMA" default:"public"`

	Schema string `envconfig:"SCHEMA" default:"public"`

	// DaemonLabel partitions jobs between daemon instances (spec.md §4.2): a
	// job whose label column doesn't match is left untouched except for
	// tearing down its client triggers.
	DaemonLabel string `envconfig:"LABEL" default:""`

	EnableEmbeddings bool `envconfig:"ENABLE_EMBEDDINGS" default:"true"`
	EnableCompletion bool `envconfig:"ENABLE_COMPLETION" default:"false"`
	EnableIndex      bool `envconfig:"ENABLE_INDEX" default:"false"`
	EnableAutotune   bool `envconfig:"ENABLE_AUTOTUNE" default:"false"`

	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	FlushInterval     time.Duration `envconfig:"FLUSH_INTERVAL" default:"10s"`
	RetryBackoff      time.Duration `envconfig:"RETRY_BACKOFF" default:"5m"`
	RestartBackoffMin time.Duration `envconfig:"RESTART_BACKOFF_MIN" default:"10s"`

	LogMode string `envconfig:"LOG_MODE" default:"dev"`

	IndexServerHost       string        `envconfig:"INDEX_SERVER_HOST" default:"0.0.0.0"`
	IndexServerPort       int           `envconfig:"INDEX_SERVER_PORT" default:"8998"`
	IndexServerReadTimeout time.Duration `envconfig:"INDEX_SERVER_READ_TIMEOUT" default:"60s"`

	RateLimitRedisAddr string `envconfig:"RATE_LIMIT_REDIS_ADDR" default:""`
}

// New parses process environment variables prefixed with LANTERND into a
// Config, filling in defaults for anything unset.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("LANTERND", &cfg); err != nil {
		return nil, fmt.Errorf("lanternd: failed to parse configuration: %w", err)
	}
	if cfg.TargetDatabaseURIs == nil {
		cfg.TargetDatabaseURIs = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate requires at least one target source: a static target list, a
// master catalog database, or both.
func (c *Config) Validate() error {
	hasTargets := len(c.TargetDatabaseURIs) > 0
	hasMaster := strings.TrimSpace(c.MasterDatabaseURI) != ""
	if !hasTargets && !hasMaster {
		return fmt.Errorf("lanternd: one of LANTERND_TARGET_DB or LANTERND_MASTER_DB must be set")
	}
	return nil
}

// IndexServerAddr returns the bind address for the streaming index server.
func (c *Config) IndexServerAddr() string {
	return fmt.Sprintf("%s:%d", c.IndexServerHost, c.IndexServerPort)
}
