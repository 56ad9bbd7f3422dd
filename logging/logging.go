// Package logging builds the daemon's zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskguard/fault"
)

type Options struct {
	Level  string // trace, debug, info, warn, error; empty means info
	Format string // console or json; empty means console
	Out    io.Writer
}

// New returns a logger with timestamps. An unknown level or format is a
// Configuration fault.
func New(o Options) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if s := strings.TrimSpace(o.Level); s != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fault.Config("log level", err)
		}
		lvl = l
	}

	out := o.Out
	if out == nil {
		out = os.Stderr
	}
	switch o.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stderr}
	case "json":
	default:
		return zerolog.Nop(), fault.Configf("log format %q: want console or json", o.Format)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
