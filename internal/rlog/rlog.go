// Package rlog wires the engine's single zerolog.Logger: a console writer for
// interactive runs plus a size-bounded rotating debug-log file (§6), backed
// by gopkg.in/natefinch/lumberjack.v2 (rotate.go). Components that log
// (internal/pipeline's optional Logger field) take a *zerolog.Logger rather
// than reaching for a package-level global, so tests can pass zerolog.Nop()
// the way cloudflared's own tests do.
package rlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process-wide logger.
type Options struct {
	// FilePath is the debug-log file. Empty disables file logging.
	FilePath string
	// MaxFileBytes is the rotation threshold; 0 defaults to 5 MiB.
	MaxFileBytes int64
	// Console enables a human-readable stderr writer alongside the file.
	Console bool
	// Level sets the minimum emitted level. Its zero value is
	// zerolog.DebugLevel, which New treats as unset and replaces with
	// zerolog.InfoLevel.
	Level zerolog.Level
}

// New builds a logger per Options. Safe to call with the zero Options, which
// yields a console-only logger at info level.
func New(opts Options) zerolog.Logger {
	var writers []io.Writer

	if opts.Console || opts.FilePath == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if opts.FilePath != "" {
		writers = append(writers, newRotatingFile(opts.FilePath, opts.MaxFileBytes))
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	level := opts.Level
	if level == 0 {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
