// Package logging builds saga loggers on top of go-logger or zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"

	saga "github.com/goliatone/go-saga"
)

const (
	BackendGlog    = "glog"
	BackendZerolog = "zerolog"
	BackendFmt     = "fmt"
)

// Config selects and tunes a logger backend.
type Config struct {
	Backend string `json:"backend" yaml:"backend"`
	Level   string `json:"level" yaml:"level"`
	// Format is "json" or "console".
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig logs JSON at info level through go-logger.
func DefaultConfig() Config {
	return Config{Backend: BackendGlog, Level: "info", Format: "json"}
}

// New builds the logger described by cfg, writing to w or stdout.
func New(cfg Config, w io.Writer) (saga.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendGlog:
		opts := []glog.Option{glog.WithWriter(w), glog.WithLevel(level)}
		if format != "console" {
			opts = append(opts, glog.WithLoggerTypeJSON())
		}
		return NewGlog(glog.NewLogger(opts...)), nil
	case BackendZerolog:
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
		}
		out := w
		if format == "console" {
			out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
		}
		return NewZerolog(zerolog.New(out).Level(lvl).With().Timestamp().Logger()), nil
	case BackendFmt:
		return saga.NewFmtLogger(w), nil
	default:
		return nil, fmt.Errorf("logging: unknown backend %q", cfg.Backend)
	}
}
