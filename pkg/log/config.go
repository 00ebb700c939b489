package log

import (
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
)

// Config describes a logger declaratively.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	// Outputs lists "console", "null" or a file path. Empty means console.
	Outputs []string `json:"outputs"`
	// Redact replaces the values of these keys.
	Redact []string `json:"redact"`
	// SampleInitial and SampleThereafter throttle repeated messages. Zero
	// SampleThereafter disables sampling.
	SampleInitial    int `json:"sample_initial"`
	SampleThereafter int `json:"sample_thereafter"`
}

// ParseLevel accepts debug, info, warn(ing), error and fatal.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, errors.Newf("unknown log level %q", s)
}

// ApplyConfig builds a logger from cfg.
func ApplyConfig(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(level)}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	case "text":
		opts = append(opts, WithFormatter(&TextFormatter{}))
	default:
		return nil, errors.Newf("unknown log format %q", cfg.Format)
	}
	for _, o := range cfg.Outputs {
		switch o {
		case "", "console", "stderr":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "null":
			opts = append(opts, WithOutput(NewNullOutput()))
		default:
			f, err := NewFileOutput(o)
			if err != nil {
				return nil, errors.Wrapf(err, "log output %q", o)
			}
			opts = append(opts, WithOutput(f))
		}
	}

	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l.core).
		withRedactions(cfg.Redact).
		withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slog = slog.New(h)
	return l, nil
}
