package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeycumines/logiface"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment overrides, e.g.
	// LOOPBRIDGE_SOAK_CALLS or LOOPBRIDGE_BRIDGE_LOCK_TIMEOUT.
	EnvPrefix = "LOOPBRIDGE_"
	delimiter = "."
)

type (
	// Config is the soak command configuration.
	Config struct {
		Log     LogConfig     `mapstructure:"log"`
		Bridge  BridgeConfig  `mapstructure:"bridge"`
		Soak    SoakConfig    `mapstructure:"soak"`
		Metrics MetricsConfig `mapstructure:"metrics"`
	}

	LogConfig struct {
		Level string `mapstructure:"level" validate:"required,loglevel"`
	}

	BridgeConfig struct {
		// LockTimeout fires the lock watchdog, zero disables it.
		LockTimeout      time.Duration `mapstructure:"lock_timeout" validate:"gte=0"`
		LockWarnInterval time.Duration `mapstructure:"lock_warn_interval" validate:"gt=0"`
		PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

		// MaxPollInterval caps the idle back-off, at or below PollInterval
		// there is none.
		MaxPollInterval time.Duration `mapstructure:"max_poll_interval" validate:"gt=0"`
	}

	SoakConfig struct {
		Rounds   int           `mapstructure:"rounds" validate:"gte=1"`
		Calls    int           `mapstructure:"calls" validate:"gte=0"`
		Events   int           `mapstructure:"events" validate:"gte=0"`
		Locks    int           `mapstructure:"locks" validate:"gte=0"`
		Tasks    int           `mapstructure:"tasks" validate:"gte=0"`
		Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
		Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	}

	MetricsConfig struct {
		// Addr is the listen address for /metrics, empty disables it.
		Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	}

	// ConfigError is a single failed validation.
	ConfigError struct {
		Field   string
		Message string
		Value   any
	}

	// ValidationErrors is returned by [ValidateWithDetails].
	ValidationErrors []ConfigError
)

var (
	validate = newValidator()

	logLevels = map[string]logiface.Level{
		logiface.LevelEmergency.String():     logiface.LevelEmergency,
		logiface.LevelAlert.String():         logiface.LevelAlert,
		logiface.LevelCritical.String():      logiface.LevelCritical,
		logiface.LevelError.String():         logiface.LevelError,
		logiface.LevelWarning.String():       logiface.LevelWarning,
		logiface.LevelNotice.String():        logiface.LevelNotice,
		logiface.LevelInformational.String(): logiface.LevelInformational,
		logiface.LevelDebug.String():         logiface.LevelDebug,
		logiface.LevelTrace.String():         logiface.LevelTrace,
	}
)

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: logiface.LevelInformational.String()},
		Bridge: BridgeConfig{
			LockTimeout:      0,
			LockWarnInterval: 5 * time.Second,
			PollInterval:     2 * time.Millisecond,
			MaxPollInterval:  16 * time.Millisecond,
		},
		Soak: SoakConfig{
			Rounds:  1,
			Calls:   1000,
			Events:  1000,
			Locks:   100,
			Tasks:   50,
			Timeout: 5 * time.Second,
		},
	}
}

// LoadConfig merges, lowest priority first: defaults, the optional file at
// path (YAML or JSON, by extension), LOOPBRIDGE_ environment variables, and
// overrides (keyed like "soak.calls").
func LoadConfig(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(delimiter)

	if err := k.Load(confmap.Provider(defaultsMap(DefaultConfig()), delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(overrides) != 0 {
		if err := k.Load(confmap.Provider(overrides, delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LogLevel returns the parsed log level, which has already been validated.
func (c *Config) LogLevel() logiface.Level {
	return logLevels[strings.ToLower(c.Log.Level)]
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %q", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}

	return k.Load(file.Provider(path), parser)
}

// envKey maps LOOPBRIDGE_BRIDGE_LOCK_TIMEOUT to bridge.lock_timeout: the
// first segment names the section, the remainder is the key.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", delimiter, 1)
}

func defaultsMap(c Config) map[string]any {
	return map[string]any{
		"log.level":                 c.Log.Level,
		"bridge.lock_timeout":       c.Bridge.LockTimeout,
		"bridge.lock_warn_interval": c.Bridge.LockWarnInterval,
		"bridge.poll_interval":      c.Bridge.PollInterval,
		"bridge.max_poll_interval":  c.Bridge.MaxPollInterval,
		"soak.rounds":               c.Soak.Rounds,
		"soak.calls":                c.Soak.Calls,
		"soak.events":               c.Soak.Events,
		"soak.locks":                c.Soak.Locks,
		"soak.tasks":                c.Soak.Tasks,
		"soak.timeout":              c.Soak.Timeout,
		"soak.interval":             c.Soak.Interval,
		"metrics.addr":              c.Metrics.Addr,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, ok := logLevels[strings.ToLower(fl.Field().String())]
		return ok
	}); err != nil {
		panic(err)
	}
	return v
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:")
	for _, err := range e {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// ValidateWithDetails validates cfg, returning [ValidationErrors] that name
// every failing field.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: formatValidationError(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "hostname_port":
		return "must be a host:port listen address"
	case "loglevel":
		return "must be a syslog level keyword, e.g. info or debug"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
