package logging

import (
	"context"

	"github.com/rs/zerolog"

	saga "github.com/goliatone/go-saga"
)

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog adapts a zerolog logger. Fatal logs at fatal level without
// exiting the process.
func NewZerolog(logger zerolog.Logger) saga.Logger {
	return zerologLogger{logger: logger}
}

func (l zerologLogger) Trace(msg string, args ...any) { l.logger.Trace().Msgf(msg, args...) }
func (l zerologLogger) Debug(msg string, args ...any) { l.logger.Debug().Msgf(msg, args...) }
func (l zerologLogger) Info(msg string, args ...any)  { l.logger.Info().Msgf(msg, args...) }
func (l zerologLogger) Warn(msg string, args ...any)  { l.logger.Warn().Msgf(msg, args...) }
func (l zerologLogger) Error(msg string, args ...any) { l.logger.Error().Msgf(msg, args...) }

func (l zerologLogger) Fatal(msg string, args ...any) {
	l.logger.WithLevel(zerolog.FatalLevel).Msgf(msg, args...)
}

func (l zerologLogger) WithContext(ctx context.Context) saga.Logger {
	return zerologLogger{logger: l.logger.With().Ctx(ctx).Logger()}
}

func (l zerologLogger) WithFields(fields map[string]any) saga.Logger {
	return zerologLogger{logger: l.logger.With().Fields(fields).Logger()}
}
