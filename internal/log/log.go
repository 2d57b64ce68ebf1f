package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var (
	// L is the shared logger (use log.L.Info().Msg("hi"))
	L zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	L = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// SetLevel sets the minimum level for every logger in the process.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// SetOutput redirects the shared logger. Call it before any goroutines log.
func SetOutput(w io.Writer) {
	L = L.Output(w)
}

// UseConsole switches the shared logger to human readable output on stderr.
func UseConsole() {
	SetOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

// With returns a child logger carrying the given connection id.
func With(conn string) zerolog.Logger {
	return L.With().Str("conn", conn).Logger()
}

func Debug() *zerolog.Event { return L.Debug() }
func Info() *zerolog.Event  { return L.Info() }
func Warn() *zerolog.Event  { return L.Warn() }
func Error() *zerolog.Event { return L.Error() }
