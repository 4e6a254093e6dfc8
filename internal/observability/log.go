package observability

import (
	"io"
	"log/slog"
	"math"
)

var noopLogger *slog.Logger

// NoopLogger returns a disabled Logger
func NoopLogger() *slog.Logger {
	return noopLogger
}

func init() {
	hdlr := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})
	noopLogger = slog.New(hdlr)
}

// LogOpts configures the Logger returned by NewLogger.
type LogOpts struct {
	Debug   bool
	JSON    bool
	Service string
}

// NewLogger returns a Logger writing to w.
// Records carry a "service" attribute when opts.Service is set.
func NewLogger(w io.Writer, opts LogOpts) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if opts.Debug {
		hopts.Level = slog.LevelDebug
	}

	var hdlr slog.Handler
	if opts.JSON {
		hdlr = slog.NewJSONHandler(w, hopts)
	} else {
		hdlr = slog.NewTextHandler(w, hopts)
	}

	log := slog.New(hdlr)
	if "" != opts.Service {
		log = log.With("service", opts.Service)
	}

	return log
}
