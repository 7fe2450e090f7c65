// Package config loads the orchestrator's runtime configuration from
// environment variables (and, optionally, a JSON or YAML file), applies
// sensible defaults, and validates the result before the service starts
// accepting traffic.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	Port        int    `json:"port" yaml:"port"`
	Address     string `json:"address" yaml:"address"`

	HTTP HTTPConfig `json:"http" yaml:"http"`

	Database DatabaseConfig `json:"database" yaml:"database"`

	Engine EngineConfig `json:"engine" yaml:"engine"`

	Verification VerificationConfig `json:"verification" yaml:"verification"`

	Approval ApprovalConfig `json:"approval" yaml:"approval"`

	Audit AuditConfig `json:"audit" yaml:"audit"`

	Vault VaultConfig `json:"vault" yaml:"vault"`

	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`

	Development bool `json:"development" yaml:"development"`
}

// HTTPConfig tunes the API server and its CORS policy.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout     time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`

	CORSEnabled        bool     `json:"corsEnabled" yaml:"corsEnabled"`
	CORSAllowedOrigins []string `json:"corsAllowedOrigins" yaml:"corsAllowedOrigins"`
	CORSAllowedMethods []string `json:"corsAllowedMethods" yaml:"corsAllowedMethods"`
	CORSAllowedHeaders []string `json:"corsAllowedHeaders" yaml:"corsAllowedHeaders"`
	CORSMaxAge         int      `json:"corsMaxAge" yaml:"corsMaxAge"`
}

// DatabaseConfig points at the Postgres-backed durable store.
type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MigrateOnStart bool   `json:"migrateOnStart" yaml:"migrateOnStart"`
}

// EngineConfig mirrors engine.Config's tuning knobs.
type EngineConfig struct {
	MaxConcurrentExecutions int           `json:"maxConcurrentExecutions" yaml:"maxConcurrentExecutions"`
	DefaultTimeout          time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
	CheckpointInterval      time.Duration `json:"checkpointInterval" yaml:"checkpointInterval"`
	EnableAIVerification    bool          `json:"enableAiVerification" yaml:"enableAiVerification"`
	AuditLevel              string        `json:"auditLevel" yaml:"auditLevel"`
}

// VerificationConfig points at the AI verification endpoints the
// verifier calls to validate node output against expected shape/policy.
type VerificationConfig struct {
	VAMNAPIURL string        `json:"vamnApiUrl" yaml:"vamnApiUrl"`
	LucaAPIURL string        `json:"lucaApiUrl" yaml:"lucaApiUrl"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// ApprovalConfig tunes the human-approval expiry sweep.
type ApprovalConfig struct {
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval"`
}

// AuditConfig tunes the buffered, chain-hashed audit logger.
type AuditConfig struct {
	FlushInterval time.Duration `json:"flushInterval" yaml:"flushInterval"`
	BatchSize     int           `json:"batchSize" yaml:"batchSize"`
}

// VaultConfig selects and tunes credential resolution.
type VaultConfig struct {
	EnvPrefix string `json:"envPrefix" yaml:"envPrefix"`
}

// CircuitBreakerConfig guards every outbound call the engine makes
// (credential resolution, AI verification).
type CircuitBreakerConfig struct {
	Threshold        int           `json:"threshold" yaml:"threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	HalfOpenRequests int           `json:"halfOpenRequests" yaml:"halfOpenRequests"`
}

// LoggingConfig controls the structured logger's verbosity and format.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a Config with production-sane defaults. Callers apply
// LoadFromEnv (and, optionally, LoadFromFile) on top of it.
func Default() *Config {
	return &Config{
		ServiceName: "orchestrator",
		Port:        8080,
		Address:     "0.0.0.0",
		HTTP: HTTPConfig{
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			IdleTimeout:        120 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			CORSEnabled:        false,
			CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			CORSAllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "X-Tenant-ID"},
			CORSMaxAge:         300,
		},
		Database: DatabaseConfig{
			MigrateOnStart: true,
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 100,
			DefaultTimeout:          300 * time.Second,
			CheckpointInterval:      10 * time.Second,
			EnableAIVerification:    true,
			AuditLevel:              "standard",
		},
		Verification: VerificationConfig{
			Timeout: 15 * time.Second,
		},
		Approval: ApprovalConfig{
			SweepInterval: 30 * time.Second,
		},
		Audit: AuditConfig{
			FlushInterval: 2 * time.Second,
			BatchSize:     50,
		},
		Vault: VaultConfig{
			EnvPrefix: "orchestrator",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:        5,
			Timeout:          30 * time.Second,
			HalfOpenRequests: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromEnv overlays environment variables onto c. Unset variables
// leave the existing value (default or previously loaded from file)
// untouched.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		c.Port = p
	}
	if v := os.Getenv("ADDRESS"); v != "" {
		c.Address = v
	}

	if v := os.Getenv("CORS_ENABLED"); v != "" {
		c.HTTP.CORSEnabled = parseBool(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.CORSAllowedOrigins = parseList(v)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_MIGRATE_ON_START"); v != "" {
		c.Database.MigrateOnStart = parseBool(v)
	}

	if v := os.Getenv("ENGINE_MAX_CONCURRENT_EXECUTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid ENGINE_MAX_CONCURRENT_EXECUTIONS %q: %w", v, err)
		}
		c.Engine.MaxConcurrentExecutions = n
	}
	if v := os.Getenv("ENGINE_DEFAULT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid ENGINE_DEFAULT_TIMEOUT %q: %w", v, err)
		}
		c.Engine.DefaultTimeout = d
	}
	if v := os.Getenv("ENGINE_CHECKPOINT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid ENGINE_CHECKPOINT_INTERVAL %q: %w", v, err)
		}
		c.Engine.CheckpointInterval = d
	}
	if v := os.Getenv("ENGINE_ENABLE_AI_VERIFICATION"); v != "" {
		c.Engine.EnableAIVerification = parseBool(v)
	}
	if v := os.Getenv("ENGINE_AUDIT_LEVEL"); v != "" {
		c.Engine.AuditLevel = v
	}

	if v := os.Getenv("VAMN_API_URL"); v != "" {
		c.Verification.VAMNAPIURL = v
	}
	if v := os.Getenv("LUCA_API_URL"); v != "" {
		c.Verification.LucaAPIURL = v
	}
	if v := os.Getenv("VERIFICATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid VERIFICATION_TIMEOUT %q: %w", v, err)
		}
		c.Verification.Timeout = d
	}

	if v := os.Getenv("APPROVAL_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid APPROVAL_SWEEP_INTERVAL %q: %w", v, err)
		}
		c.Approval.SweepInterval = d
	}

	if v := os.Getenv("AUDIT_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid AUDIT_FLUSH_INTERVAL %q: %w", v, err)
		}
		c.Audit.FlushInterval = d
	}
	if v := os.Getenv("AUDIT_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid AUDIT_BATCH_SIZE %q: %w", v, err)
		}
		c.Audit.BatchSize = n
	}

	if v := os.Getenv("VAULT_ENV_PREFIX"); v != "" {
		c.Vault.EnvPrefix = v
	}

	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q: %w", v, err)
		}
		c.CircuitBreaker.Threshold = n
	}
	if v := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid CIRCUIT_BREAKER_TIMEOUT %q: %w", v, err)
		}
		c.CircuitBreaker.Timeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("DEVELOPMENT"); v != "" {
		c.Development = parseBool(v)
	}

	return nil
}

// LoadFromFile overlays a JSON or YAML config file onto c, chosen by
// the file's extension.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is operator-supplied, not request data
	if err != nil {
		return fmt.Errorf("config: read %s: %w", cleanPath, err)
	}

	switch ext := filepath.Ext(cleanPath); ext {
	case ".json":
		// JSON is decoded through the YAML decoder (JSON is valid YAML) so
		// duration strings such as "5s" land in time.Duration fields.
		if !json.Valid(data) {
			return fmt.Errorf("config: parse json %s: invalid JSON", cleanPath)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse json %s: %w", cleanPath, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parse yaml %s: %w", cleanPath, err)
		}
	default:
		return fmt.Errorf("config: unsupported config file extension %q", ext)
	}
	return nil
}

// Validate fails fast on configuration that would otherwise surface as
// a confusing error deep inside request handling or engine execution.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Engine.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("config: engine.maxConcurrentExecutions must be positive")
	}
	switch c.Engine.AuditLevel {
	case "minimal", "standard", "detailed", "forensic":
	default:
		return fmt.Errorf("config: engine.auditLevel must be one of minimal, standard, detailed, forensic, got %q", c.Engine.AuditLevel)
	}
	if c.Engine.EnableAIVerification {
		if c.Verification.VAMNAPIURL == "" {
			return fmt.Errorf("config: VAMN_API_URL is required when AI verification is enabled")
		}
		if c.Verification.LucaAPIURL == "" {
			return fmt.Errorf("config: LUCA_API_URL is required when AI verification is enabled")
		}
	}
	return nil
}

// Load builds a Config the way the service starts up: defaults,
// optionally overlaid by a config file, then by environment variables,
// then validated.
func Load(configFile string) (*Config, error) {
	c := Default()
	if configFile != "" {
		if err := c.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func parseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
