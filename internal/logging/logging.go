// Package logging is the service-level operational logger: process
// startup/shutdown, config reload, paging-loop health, CDR rotation,
// admin activity. Built on zerolog with lumberjack rotation, the same
// pairing the pack's protocol-monitoring repo (omar251990-omar251990)
// uses for its own control-plane service.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the operational logger.
type Options struct {
	// Path, if non-empty, rotates logs through lumberjack; otherwise
	// logs go to stderr only.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      zerolog.Level
	Console    bool // human-readable console writer instead of JSON
}

// New builds the operational logger described by opts.
func New(opts Options) zerolog.Logger {
	var w io.Writer = os.Stderr
	if opts.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    nonZero(opts.MaxSizeMB, 100),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		if opts.Console {
			w = io.MultiWriter(os.Stderr, lj)
		} else {
			w = lj
		}
	}
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	zerolog.SetGlobalLevel(opts.Level)
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
