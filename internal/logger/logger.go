// Package logger configures the process-wide slog logger. Records are
// rendered by charmbracelet/log so terminal output stays readable.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// Options controls how log records are rendered.
type Options struct {
	Level   string // debug, info, warn, error
	Debug   bool   // forces debug level
	NoColor bool
	Output  io.Writer // defaults to stderr
}

// New builds a slog.Logger backed by a charmbracelet handler.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handler := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "compile-asm",
		Level:           ParseLevel(opts.Level),
	})
	if opts.Debug {
		handler.SetLevel(log.DebugLevel)
	}

	handler.SetColorProfile(termenv.ANSI256)
	if opts.NoColor {
		handler.SetColorProfile(termenv.Ascii)
	}

	return slog.New(handler)
}

// Init installs New(opts) as the slog default and returns it.
func Init(opts Options) *slog.Logger {
	l := New(opts)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a config level name to a charmbracelet level. Unknown
// names fall back to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
