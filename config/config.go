// Package config loads blockflow settings from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Kernel backends
const (
	KernelExpr   = "expr"
	KernelPython = "python"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration of the CLI.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Kernel   KernelConfig   `yaml:"kernel"`
	Session  SessionConfig  `yaml:"session"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type AnalyzerConfig struct {
	MaxSourceSize int `yaml:"max_source_size" validate:"gt=0"`
}

type KernelConfig struct {
	Backend        string   `yaml:"backend" validate:"oneof=expr python"`
	PythonBinary   string   `yaml:"python_binary,omitempty" validate:"required_if=Backend python"`
	InterruptGrace Duration `yaml:"interrupt_grace" validate:"gte=0"`
	WorkDir        string   `yaml:"work_dir,omitempty"`
}

type SessionConfig struct {
	IdleTimeout  Duration `yaml:"idle_timeout" validate:"gte=0"` // 0 disables the reaper
	ReapInterval Duration `yaml:"reap_interval" validate:"gte=0"`
}

type EngineConfig struct {
	NodeTimeout Duration `yaml:"node_timeout" validate:"gt=0"`
	EventBuffer int      `yaml:"event_buffer" validate:"gt=0"`
}

type StorageConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password,omitempty"`
	DB           int      `yaml:"db" validate:"gte=0"`
	PoolSize     int      `yaml:"pool_size" validate:"gte=0"`
	MinIdleConns int      `yaml:"min_idle_conns" validate:"gte=0"`
	IdleTimeout  Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Analyzer: AnalyzerConfig{MaxSourceSize: 1 << 20},
		Kernel: KernelConfig{
			Backend:        KernelExpr,
			PythonBinary:   "python3",
			InterruptGrace: Duration(2 * time.Second),
		},
		Session: SessionConfig{
			IdleTimeout:  Duration(30 * time.Minute),
			ReapInterval: Duration(time.Minute),
		},
		Engine: EngineConfig{
			NodeTimeout: Duration(5 * time.Minute),
			EventBuffer: 1000,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  Duration(5 * time.Minute),
			},
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validation error: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their YAML keys
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateSession, SessionConfig{})
	v.RegisterStructValidation(validateStorage, StorageConfig{})
	return v
}

// validateSession requires a reap interval whenever sessions can expire.
func validateSession(sl validator.StructLevel) {
	s := sl.Current().Interface().(SessionConfig)
	if s.IdleTimeout > 0 && s.ReapInterval <= 0 {
		sl.ReportError(s.ReapInterval, "reap_interval", "ReapInterval", "required_with_idle_timeout", "")
	}
}

func validateStorage(sl validator.StructLevel) {
	s := sl.Current().Interface().(StorageConfig)
	if s.Backend == StorageRedis && s.Redis.Addr == "" {
		sl.ReportError(s.Redis.Addr, "redis.addr", "Addr", "required_for_redis", "")
	}
}

func formatFieldError(e validator.FieldError) string {
	path := e.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch e.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", path, e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", path, e.Param(), e.Value())
	case "gte":
		return fmt.Sprintf("%s must not be negative (got: %v)", path, e.Value())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", path, strings.Replace(e.Param(), " ", " is ", 1))
	case "required_with_idle_timeout":
		return fmt.Sprintf("%s must be positive when idle_timeout is set", path)
	case "required_for_redis":
		return fmt.Sprintf("%s is required for the redis backend", path)
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", path, e.Tag(), e.Value())
	}
}

// NewLogger builds the logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
