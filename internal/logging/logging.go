// Package logging builds the zerolog loggers used by the commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Options struct {
	Level string
	// Console forces the human-readable writer. When unset it is used only
	// if Out is a terminal.
	Console *bool
	Out     io.Writer
	// Component is attached to every entry.
	Component string
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "DISABLED", "OFF":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	f, isFile := out.(*os.File)
	console := false
	if opts.Console != nil {
		console = *opts.Console
	} else if isFile {
		console = isatty.IsTerminal(f.Fd())
	}
	// Agents and batches log from many goroutines. Single writes to a file
	// are safe; arbitrary writers are not.
	if !isFile {
		out = zerolog.SyncWriter(out)
	}
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	return ctx.Logger()
}

// Sampled limits a logger to a burst of entries per period, then one in
// every hundred. Use it for per-frame diagnostics.
func Sampled(l zerolog.Logger, burst uint32, period time.Duration) zerolog.Logger {
	return l.Sample(&zerolog.BurstSampler{
		Burst:       burst,
		Period:      period,
		NextSampler: &zerolog.BasicSampler{N: 100},
	})
}
