package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvFormat selects the handler: json or text.
	EnvFormat = "LOG_FORMAT"
	// EnvLevel is the minimum level that is emitted.
	EnvLevel = "LOG_LEVEL"

	appName       = "opsai-connect"
	defaultFormat = "json"
)

// Config is the logging configuration read from the environment.
type Config struct {
	Format string
	Level  slog.Level
}

// BootstrapOptions controls logger initialization behavior.
type BootstrapOptions struct {
	Command string
	Writer  io.Writer
}

func DefaultConfig() Config {
	return Config{Format: defaultFormat, Level: slog.LevelInfo}
}

// LoadConfigFromEnv parses LOG_FORMAT and LOG_LEVEL. Empty values fall back to defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	format := strings.ToLower(strings.TrimSpace(os.Getenv(EnvFormat)))
	switch format {
	case "":
	case "json", "text":
		cfg.Format = format
	default:
		return Config{}, fmt.Errorf("%s must be one of: json, text", EnvFormat)
	}

	if raw := strings.TrimSpace(os.Getenv(EnvLevel)); raw != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("%s must be one of: debug, info, warn, error", EnvLevel)
		}
		cfg.Level = level
	}
	return cfg, nil
}

// NewLogger builds a logger tagged with the app and command attributes.
func NewLogger(cfg Config, writer io.Writer, command string) *slog.Logger {
	if writer == nil {
		writer = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	command = strings.TrimSpace(command)
	if command == "" {
		command = appName
	}
	return slog.New(handler).With("app", appName, "command", command)
}

// BootstrapFromEnv installs the env-configured logger as slog's default.
func BootstrapFromEnv(opts BootstrapOptions) (*slog.Logger, error) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg, opts.Writer, opts.Command)
	slog.SetDefault(logger)
	return logger, nil
}

// Secret wraps a sensitive string so that it never reaches a log handler.
type Secret string

func (s Secret) LogValue() slog.Value {
	if s == "" {
		return slog.StringValue("")
	}
	return slog.StringValue("[redacted]")
}

func (s Secret) String() string { return "[redacted]" }
