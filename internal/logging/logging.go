// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the root logger. Components derive from it with For.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Options controls Init.
type Options struct {
	Level string // debug, info, warn or error
	Dev   bool   // human-readable console output
	Path  string // optional file that receives a copy of every line
}

// Init sets the global level and output. When Path is set, output goes to
// both stderr and the file. The returned closer releases the file.
func Init(opts Options) (io.Closer, error) {
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	var console io.Writer = os.Stderr
	if opts.Dev {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	out := console
	var closer io.Closer = nopCloser{}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", opts.Path, err)
		}
		out = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = Logger
	if opts.Path != "" {
		Logger.Info().Str("path", opts.Path).Msg("logging to file")
	}
	return closer, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a child of Logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// maxSanitizedLen bounds how much of a user-supplied string reaches the log.
const maxSanitizedLen = 256

// Sanitize strips control characters from user-provided strings (hostnames,
// usernames, remote error text) so they cannot forge log lines, and truncates
// them to maxSanitizedLen runes.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxSanitizedLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
