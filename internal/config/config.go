// Package config loads quotagate server configuration.
//
// Configuration is read from a YAML file, completed with defaults, overridden
// from QUOTAGATE_* environment variables, and validated with struct tags:
//
//	server:
//	  listen_address: ":8080"
//	global:
//	  permits_per_second: 1000
//	quota:
//	  store: redis
//	  fail_open: false
//	  location: UTC
//	  header_mode: always
//	redis:
//	  url: localhost:6379
//	  prefix: "quotagate:"
//	plans:
//	  file: plans.yaml
//	  refresh_schedule: "@every 5m"
//	  watch: true
//	auth:
//	  jwt_secret: change-me
//	  token_ttl: 1h
//	keys:
//	  db_path: data/keys.db
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Global  GlobalConfig  `yaml:"global"`
	Quota   QuotaConfig   `yaml:"quota"`
	Redis   RedisConfig   `yaml:"redis"`
	Plans   PlansConfig   `yaml:"plans"`
	Auth    AuthConfig    `yaml:"auth"`
	Keys    KeysConfig    `yaml:"keys"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// GlobalConfig configures the process-wide token bucket.
type GlobalConfig struct {
	PermitsPerSecond int `yaml:"permits_per_second" validate:"gt=0"`
}

// QuotaConfig configures per-subscriber quota enforcement.
type QuotaConfig struct {
	// Store selects the counter store: "redis" or "memory".
	Store string `yaml:"store" validate:"oneof=redis memory"`
	// FailOpen admits requests while the counter store is unreachable.
	FailOpen bool `yaml:"fail_open"`
	// Location is the IANA zone whose calendar defines days and months.
	Location   string `yaml:"location" validate:"required"`
	HeaderMode string `yaml:"header_mode" validate:"oneof=always on_limit_exceeded never"`
}

// RedisConfig configures the Redis counter store.
type RedisConfig struct {
	URL          string        `yaml:"url" validate:"required"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0,lte=15"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	MinIdleConns int           `yaml:"min_idle_conns" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// PlansConfig configures where plan limits come from.
type PlansConfig struct {
	File            string `yaml:"file" validate:"required"`
	RefreshSchedule string `yaml:"refresh_schedule" validate:"required"`
	Watch           bool   `yaml:"watch"`
}

// AuthConfig configures credential verification.
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" validate:"required,min=16"`
	JWTIssuer    string        `yaml:"jwt_issuer"`
	TokenTTL     time.Duration `yaml:"token_ttl" validate:"gt=0"`
	APIKeyHeader string        `yaml:"api_key_header" validate:"required"`
}

// KeysConfig configures the API key database.
type KeysConfig struct {
	DBPath      string        `yaml:"db_path" validate:"required"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required,startswith=/"`
}

// LoggingConfig configures request and background logging.
type LoggingConfig struct {
	// Canonlog emits one canonical log line per request.
	Canonlog bool   `yaml:"canonlog"`
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" validate:"oneof=json text"`
}

// QuotaLocation resolves Quota.Location.
func (c *Config) QuotaLocation() (*time.Location, error) {
	return time.LoadLocation(c.Quota.Location)
}
