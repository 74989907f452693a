package config

import "time"

// Default values for configuration fields.
const (
	DefaultListenAddress   = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultPermitsPerSecond = 1000

	DefaultQuotaStore      = "redis"
	DefaultQuotaLocation   = "UTC"
	DefaultQuotaHeaderMode = "always"

	DefaultRedisURL    = "localhost:6379"
	DefaultRedisPrefix = "quotagate:"

	DefaultPlansFile            = "plans.yaml"
	DefaultPlansRefreshSchedule = "@every 5m"

	DefaultTokenTTL     = time.Hour
	DefaultAPIKeyHeader = "X-API-Key"

	DefaultKeysDBPath      = "data/keys.db"
	DefaultKeysBusyTimeout = 5 * time.Second

	DefaultMetricsEnabled = true
	DefaultMetricsPath    = "/metrics"

	DefaultLoggingCanonlog = true
	DefaultLoggingLevel    = "info"
	DefaultLoggingFormat   = "json"
)

// NewDefault returns a configuration populated with defaults only. The JWT
// secret has no default and must be supplied.
func NewDefault() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: DefaultMetricsEnabled},
		Logging: LoggingConfig{Canonlog: DefaultLoggingCanonlog},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults. Boolean fields are
// left as decoded since false is a meaningful setting.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Global.PermitsPerSecond == 0 {
		cfg.Global.PermitsPerSecond = DefaultPermitsPerSecond
	}

	q := &cfg.Quota
	if q.Store == "" {
		q.Store = DefaultQuotaStore
	}
	if q.Location == "" {
		q.Location = DefaultQuotaLocation
	}
	if q.HeaderMode == "" {
		q.HeaderMode = DefaultQuotaHeaderMode
	}

	r := &cfg.Redis
	if r.URL == "" {
		r.URL = DefaultRedisURL
	}
	if r.Prefix == "" {
		r.Prefix = DefaultRedisPrefix
	}

	p := &cfg.Plans
	if p.File == "" {
		p.File = DefaultPlansFile
	}
	if p.RefreshSchedule == "" {
		p.RefreshSchedule = DefaultPlansRefreshSchedule
	}

	a := &cfg.Auth
	if a.TokenTTL == 0 {
		a.TokenTTL = DefaultTokenTTL
	}
	if a.APIKeyHeader == "" {
		a.APIKeyHeader = DefaultAPIKeyHeader
	}

	k := &cfg.Keys
	if k.DBPath == "" {
		k.DBPath = DefaultKeysDBPath
	}
	if k.BusyTimeout == 0 {
		k.BusyTimeout = DefaultKeysBusyTimeout
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	l := &cfg.Logging
	if l.Level == "" {
		l.Level = DefaultLoggingLevel
	}
	if l.Format == "" {
		l.Format = DefaultLoggingFormat
	}
}
