// Package config loads the service configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/backends"
	"github.com/haasonsaas/taskgate/internal/backoff"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/observability"
	"github.com/haasonsaas/taskgate/internal/ratelimit"
	"github.com/haasonsaas/taskgate/internal/routing"
	"github.com/haasonsaas/taskgate/internal/storage"
)

// CurrentVersion is the configuration schema version this build reads.
const CurrentVersion = 1

// ErrUnsupportedVersion is returned for a config version this build cannot read.
var ErrUnsupportedVersion = errors.New("unsupported config version")

// Ledger backends.
const (
	LedgerMemory    = "memory"
	LedgerCockroach = "cockroach"
	LedgerRedis     = "redis"
)

// Config is the main configuration structure.
type Config struct {
	Version       int                         `yaml:"version"`
	Server        ServerConfig                `yaml:"server"`
	Database      DatabaseConfig              `yaml:"database"`
	Redis         RedisConfig                 `yaml:"redis"`
	Auth          auth.Config                 `yaml:"auth"`
	Ledger        LedgerConfig                `yaml:"ledger"`
	Backends      BackendsConfig              `yaml:"backends"`
	Routes        map[string]routing.Override `yaml:"routes"`
	RateLimit     ratelimit.Config            `yaml:"rate_limit"`
	Dispatch      DispatchConfig              `yaml:"dispatch"`
	Logging       observability.LogConfig     `yaml:"logging"`
	Observability ObservabilityConfig         `yaml:"observability"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HTTPAddr returns the HTTP listen address.
func (s ServerConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// GRPCAddr returns the gRPC listen address, or "" when gRPC is disabled.
func (s ServerConfig) GRPCAddr() string {
	if s.GRPCPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// DatabaseConfig configures the CockroachDB pool. An empty URL selects the
// in-memory stores.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// Pool returns the pool settings for storage.Open.
func (d DatabaseConfig) Pool() *storage.CockroachConfig {
	return &storage.CockroachConfig{
		MaxOpenConns:    d.MaxConnections,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		ConnectTimeout:  d.ConnectTimeout,
	}
}

// RedisConfig configures the Redis client used by the redis ledger.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// LedgerConfig configures the credit ledger gate.
type LedgerConfig struct {
	// Backend is memory, cockroach or redis. Defaults to cockroach when a
	// database URL is set and memory otherwise.
	Backend          string        `yaml:"backend"`
	DefaultGrant     int64         `yaml:"default_grant"`
	FederatedMaxCost int64         `yaml:"federated_max_cost"`
	TransactionTTL   time.Duration `yaml:"transaction_ttl"`
}

// Gate returns the gate settings.
func (l LedgerConfig) Gate() ledger.GateConfig {
	return ledger.GateConfig{DefaultGrant: l.DefaultGrant, FederatedMaxCost: l.FederatedMaxCost}
}

// BackendEndpoint locates one execution backend.
type BackendEndpoint struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// BackendsConfig configures the execution backends.
type BackendsConfig struct {
	Edge    BackendEndpoint        `yaml:"edge"`
	Cluster BackendEndpoint        `yaml:"cluster"`
	Breaker backends.BreakerConfig `yaml:"breaker"`
}

// DispatchConfig configures retries and the fallback path.
type DispatchConfig struct {
	Backoff         backoff.BackoffPolicy `yaml:"backoff"`
	DisableFallback bool                  `yaml:"disable_fallback"`
	// JobRetention is how long finished fallback jobs are kept. Zero keeps them.
	JobRetention  time.Duration `yaml:"job_retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	DisableMetrics bool                      `yaml:"disable_metrics"`
	Tracing        observability.TraceConfig `yaml:"tracing"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Long enough for the slowest route plus retries.
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	pool := storage.DefaultCockroachConfig()
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = pool.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = pool.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = pool.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = pool.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = pool.ConnectTimeout
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Ledger.Backend == "" {
		if cfg.Database.URL != "" {
			cfg.Ledger.Backend = LedgerCockroach
		} else {
			cfg.Ledger.Backend = LedgerMemory
		}
	}
	if cfg.Ledger.DefaultGrant == 0 {
		cfg.Ledger.DefaultGrant = ledger.DefaultGrant
	}
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	cfg.Dispatch.Backoff = cfg.Dispatch.Backoff.Normalize()
	if cfg.Dispatch.JobRetention > 0 && cfg.Dispatch.PruneInterval == 0 {
		cfg.Dispatch.PruneInterval = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "taskgate"
	}
}

func checkVersion(version int) error {
	switch {
	case version > CurrentVersion:
		return fmt.Errorf("%w: %d is newer than this build (%d); upgrade taskgate", ErrUnsupportedVersion, version, CurrentVersion)
	case version != CurrentVersion:
		return fmt.Errorf("%w: %d (want %d)", ErrUnsupportedVersion, version, CurrentVersion)
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := checkVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerCockroach:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("ledger.backend cockroach requires database.url"))
		}
	case LedgerRedis:
		if len(c.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("ledger.backend redis requires redis.addrs"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q must be memory, cockroach or redis", c.Ledger.Backend))
	}
	if c.Ledger.DefaultGrant < 0 {
		errs = append(errs, errors.New("ledger.default_grant must not be negative"))
	}
	if c.Ledger.FederatedMaxCost < 0 {
		errs = append(errs, errors.New("ledger.federated_max_cost must not be negative"))
	}

	if c.Auth.Federated.Enabled() && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.federated requires auth.jwt_secret for the local authority"))
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.UserID) == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d] requires key and user_id", i))
		}
	}

	if _, err := routing.NewRegistry(c.Routes); err != nil {
		errs = append(errs, fmt.Errorf("routes: %w", err))
	}
	return errors.Join(errs...)
}
