// Package config loads sqlgate configuration from config.yaml with
// environment variable overrides. Environment variables always override
// YAML values; secrets (passwords) must only come from environment
// variables. All validation happens eagerly at Load time so a
// misconfigured server refuses to start.
package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/sqlgate-io/sqlgate/pkg/apperrors"
	"github.com/sqlgate-io/sqlgate/pkg/enforcement"
)

// Config holds all configuration for sqlgate.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Control-plane database (row policies, audit trail)
	Database DatabaseConfig `yaml:"database"`

	// Governed datasources keyed by name
	Datasources map[string]DatasourceConfig `yaml:"datasources"`

	// Tenant enforcement settings
	Enforcement EnforcementConfig `yaml:"enforcement"`

	// Validation layer settings
	Validation ValidationConfig `yaml:"validation"`
}

// DatabaseConfig holds control-plane PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"sqlgate"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"sqlgate"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
	Enabled        bool   `yaml:"enabled" env:"CONTROL_PLANE_ENABLED" env-default:"true"`
}

// DatasourceConfig describes one governed database.
type DatasourceConfig struct {
	Type             string `yaml:"type" env-default:"postgres"` // "postgres", "sqlserver"
	ConnectionString string `yaml:"-" env:"DATASOURCE_CONNECTION_STRING"`
	ReadOnly         bool   `yaml:"read_only" env-default:"true"`
}

// EnforcementConfig holds tenant enforcement settings. The mode applies
// per provider; limits are shared.
type EnforcementConfig struct {
	Mode              string `yaml:"mode" env:"ENFORCEMENT_MODE" env-default:"sql_rewrite"`
	Simulate          bool   `yaml:"simulate" env:"ENFORCEMENT_SIMULATE" env-default:"false"`
	MaxTargets        int    `yaml:"max_targets" env:"ENFORCEMENT_MAX_TARGETS" env-default:"25"`
	MaxParams         int    `yaml:"max_params" env:"ENFORCEMENT_MAX_PARAMS" env-default:"50"`
	MaxASTNodes       int    `yaml:"max_ast_nodes" env:"ENFORCEMENT_MAX_AST_NODES" env-default:"1000"`
	HardTimeoutMs     int    `yaml:"hard_timeout_ms" env:"ENFORCEMENT_HARD_TIMEOUT_MS" env-default:"200"`
	WarnThresholdMs   int    `yaml:"warn_threshold_ms" env:"ENFORCEMENT_WARN_THRESHOLD_MS" env-default:"50"`
	PolicyCacheTTLSec int    `yaml:"policy_cache_ttl_sec" env:"ENFORCEMENT_POLICY_CACHE_TTL_SEC" env-default:"300"`
}

// ValidationConfig holds validation layer settings.
type ValidationConfig struct {
	DeniedCommands       []string `yaml:"denied_commands"`
	SensitiveColumns     []string `yaml:"sensitive_columns"`
	AllowedSchemas       []string `yaml:"allowed_schemas"`
	BlockedFunctions     []string `yaml:"blocked_functions"`
	AllowlistTTLSec      int      `yaml:"allowlist_ttl_sec" env:"VALIDATION_ALLOWLIST_TTL_SEC" env-default:"300"`
	MaxResultRows        int      `yaml:"max_result_rows" env:"VALIDATION_MAX_RESULT_ROWS" env-default:"1000"`
	ScreenParamInjection bool     `yaml:"screen_param_injection" env:"VALIDATION_SCREEN_PARAM_INJECTION" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable
// overrides and validates it eagerly. The version parameter is injected at
// build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch enforcement.Mode(c.Enforcement.Mode) {
	case enforcement.ModeSQLRewrite, enforcement.ModeRLSSession, enforcement.ModeNone:
	default:
		return &apperrors.ConfigurationError{
			Field:  "enforcement.mode",
			Reason: fmt.Sprintf("unknown mode %q", c.Enforcement.Mode),
		}
	}
	if c.Enforcement.WarnThresholdMs > c.Enforcement.HardTimeoutMs {
		return &apperrors.ConfigurationError{
			Field:  "enforcement.warn_threshold_ms",
			Reason: "warn threshold exceeds hard timeout",
		}
	}
	for name, ds := range c.Datasources {
		if ds.Type != "postgres" && ds.Type != "sqlserver" {
			return &apperrors.ConfigurationError{
				Field:  fmt.Sprintf("datasources.%s.type", name),
				Reason: fmt.Sprintf("unknown datasource type %q", ds.Type),
			}
		}
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string for the control
// plane.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
