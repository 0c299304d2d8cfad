// Package config loads iterflow configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("iterflow.yaml").
//	    WithEnvPrefix("ITERFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/iterflow/persistence"
)

// Config is the complete iterflow configuration.
type Config struct {
	// Orchestrator configures the iteration controller and scheduler.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	// Engine configures the workflow engine.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`
	// Persistence selects the session snapshot backend.
	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`
	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`
	// Metrics configures the Prometheus collector.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	// Telemetry configures OTLP trace export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// OrchestratorConfig configures the refinement loop.
type OrchestratorConfig struct {
	// MaxIterations bounds the plan/execute/evaluate loop.
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// Evaluators is the number of parallel evaluator instances.
	Evaluators int `yaml:"evaluators" env:"EVALUATORS"`
	// Mode is sequential or concurrent task dispatch.
	Mode string `yaml:"mode" env:"MODE"`
	// AutoApprove skips every human gate.
	AutoApprove bool `yaml:"auto_approve" env:"AUTO_APPROVE"`
	// ApprovalTimeout bounds how long a human gate stays open.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" env:"APPROVAL_TIMEOUT"`
}

// EngineConfig configures workflow execution.
type EngineConfig struct {
	// RetryAttempts is the default retry budget for stages declaring
	// onError: retry.
	RetryAttempts int `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
}

// PersistenceConfig selects the snapshot backend.
type PersistenceConfig struct {
	// Type is memory, file, or redis.
	Type    string      `yaml:"type" env:"TYPE"`
	BaseDir string      `yaml:"base_dir" env:"BASE_DIR"`
	Redis   RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoreConfig converts to the persistence package's configuration.
func (p PersistenceConfig) StoreConfig() persistence.Config {
	return persistence.Config{
		Type:    persistence.StoreType(p.Type),
		BaseDir: p.BaseDir,
		Redis: persistence.RedisConfig{
			Addr:      p.Redis.Addr,
			Password:  p.Redis.Password,
			DB:        p.Redis.DB,
			KeyPrefix: p.Redis.KeyPrefix,
		},
	}
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate checks cross-field constraints the loader cannot express.
func (c *Config) Validate() error {
	var errs []string
	if c.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, "orchestrator.max_iterations must be positive")
	}
	if c.Orchestrator.Evaluators <= 0 {
		errs = append(errs, "orchestrator.evaluators must be positive")
	}
	switch c.Orchestrator.Mode {
	case "sequential", "concurrent":
	default:
		errs = append(errs, fmt.Sprintf("unknown orchestrator.mode %q", c.Orchestrator.Mode))
	}
	switch c.Persistence.Type {
	case "", "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown persistence.type %q", c.Persistence.Type))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be within [0, 1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loader loads configuration with a builder interface.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the ITERFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "ITERFLOW"}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and env vars still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// applyEnv walks the struct, overriding fields from PREFIX_SECTION_FIELD
// environment variables per the env tags.
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
