package logger

import (
	"io"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// New returns the process logger: console output in development, JSON otherwise.
func New(production bool) zerolog.Logger {
	var out io.Writer = os.Stdout
	if !production {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Watermill adapts a zerolog logger to watermill's LoggerAdapter.
func Watermill(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{l: l}
}

type watermillAdapter struct {
	l zerolog.Logger
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{l: a.l.With().Fields(map[string]interface{}(fields)).Logger()}
}
