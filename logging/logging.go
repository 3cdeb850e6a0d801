package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "SIGDIFF_LOG_LEVEL"
	EnvLogNoColor = "SIGDIFF_LOG_NOCOLOR"
	EnvLogJSON    = "SIGDIFF_LOG_JSON"
)

type Config struct {
	Level   zerolog.Level
	NoColor bool
	JSON    bool
	Out     io.Writer
}

func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel, Out: os.Stdout}
}

// Init builds the process logger, applies environment overrides and installs
// it as the zerolog global.
func Init(app string, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	var output io.Writer = cfg.Out
	if !cfg.JSON {
		output = zerolog.ConsoleWriter{
			Out:        cfg.Out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	logger := zerolog.New(output).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Nop returns a disabled logger for tests and library defaults.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

// ParseLevel maps a level name; ok is false for empty or unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
