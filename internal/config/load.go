package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUOTAGATE_REDIS_URL.
const EnvPrefix = "QUOTAGATE_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults and
// environment only.
//
// The loading sequence is:
//  1. Start from defaults
//  2. Decode YAML from file over them
//  3. Fill fields the file left empty
//  4. Apply QUOTAGATE_* environment overrides
//  5. Validate
func Load(path string) (*Config, error) {
	cfg := NewDefault()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
		ApplyDefaults(cfg)
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, describe(e))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	if _, err := cfg.QuotaLocation(); err != nil {
		return fmt.Errorf("quota.location: %w", err)
	}
	return nil
}

func describe(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

type lookupFunc func(string) (string, bool)

// applyEnvOverrides applies QUOTAGATE_SECTION_FIELD variables. Environment
// variables always take precedence over the file.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	env.duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	env.duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	env.duration("SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	env.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	env.integer("GLOBAL_PERMITS_PER_SECOND", &cfg.Global.PermitsPerSecond)

	env.str("QUOTA_STORE", &cfg.Quota.Store)
	env.boolean("QUOTA_FAIL_OPEN", &cfg.Quota.FailOpen)
	env.str("QUOTA_LOCATION", &cfg.Quota.Location)
	env.str("QUOTA_HEADER_MODE", &cfg.Quota.HeaderMode)

	env.str("REDIS_URL", &cfg.Redis.URL)
	env.str("REDIS_PASSWORD", &cfg.Redis.Password)
	env.integer("REDIS_DB", &cfg.Redis.DB)
	env.str("REDIS_PREFIX", &cfg.Redis.Prefix)
	env.integer("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	env.duration("REDIS_DIAL_TIMEOUT", &cfg.Redis.DialTimeout)
	env.duration("REDIS_READ_TIMEOUT", &cfg.Redis.ReadTimeout)
	env.duration("REDIS_WRITE_TIMEOUT", &cfg.Redis.WriteTimeout)

	env.str("PLANS_FILE", &cfg.Plans.File)
	env.str("PLANS_REFRESH_SCHEDULE", &cfg.Plans.RefreshSchedule)
	env.boolean("PLANS_WATCH", &cfg.Plans.Watch)

	env.str("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	env.str("AUTH_JWT_ISSUER", &cfg.Auth.JWTIssuer)
	env.duration("AUTH_TOKEN_TTL", &cfg.Auth.TokenTTL)
	env.str("AUTH_API_KEY_HEADER", &cfg.Auth.APIKeyHeader)

	env.str("KEYS_DB_PATH", &cfg.Keys.DBPath)
	env.duration("KEYS_BUSY_TIMEOUT", &cfg.Keys.BusyTimeout)

	env.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	env.str("METRICS_PATH", &cfg.Metrics.Path)

	env.boolean("LOGGING_CANONLOG", &cfg.Logging.Canonlog)
	env.str("LOGGING_LEVEL", &cfg.Logging.Level)
	env.str("LOGGING_FORMAT", &cfg.Logging.Format)

	return errors.Join(env.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, string, bool) {
	key := EnvPrefix + name
	val, ok := e.lookup(key)
	if !ok || val == "" {
		return key, "", false
	}
	return key, val, true
}

func (e *envReader) str(name string, dst *string) {
	if _, val, ok := e.get(name); ok {
		*dst = val
	}
}

func (e *envReader) integer(name string, dst *int) {
	key, val, ok := e.get(name)
	if !ok {
		return
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, val))
		return
	}
	*dst = i
}

func (e *envReader) boolean(name string, dst *bool) {
	key, val, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, val))
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	key, val, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, val))
		return
	}
	*dst = d
}
