package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// log is the process-wide logger. Console writer keeps local runs
// readable; set TRAVELKIT_LOG_JSON=1 for structured output.
var log = newLogger()

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("TRAVELKIT_LOG_JSON") != "" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}

// SetLevel sets the global log level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// Info logs an informational message under a component tag.
func Info(tag, msg string) {
	log.Info().Str("tag", tag).Msg(msg)
}

// Success logs a completed operation. Same level as Info, kept as a
// separate call so call sites read like the rest of the codebase.
func Success(tag, msg string) {
	log.Info().Str("tag", tag).Bool("ok", true).Msg(msg)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string) {
	log.Warn().Str("tag", tag).Msg(msg)
}

// Error logs a failure.
func Error(tag, msg string) {
	log.Error().Str("tag", tag).Msg(msg)
}

// Debug logs verbose diagnostics.
func Debug(tag, msg string) {
	log.Debug().Str("tag", tag).Msg(msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	log.Info().Str("version", version).Msg("travelkit group formation engine")
}

// Server logs the listen address once the HTTP server is up.
func Server(addr string) {
	log.Info().Str("addr", addr).Msg(fmt.Sprintf("listening on http://%s", addr))
}
