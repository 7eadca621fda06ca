// Package observability builds the process logger.
package observability

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"register/internal/config"
)

// NewLogger returns a timestamped zerolog logger writing to w (stderr when
// nil). Format "console" renders human-readable lines.
func NewLogger(cfg config.Log, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	switch cfg.Format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "register").Logger(), nil
}
