package logging

import (
	"context"
	"fmt"

	"github.com/goliatone/go-logger/glog"

	saga "github.com/goliatone/go-saga"
)

type glogLogger struct {
	logger glog.Logger
}

// NewGlog adapts a go-logger logger. Messages are formatted before they are
// handed over, since saga loggers take printf arguments.
func NewGlog(logger glog.Logger) saga.Logger {
	if logger == nil {
		return saga.NewFmtLogger(nil)
	}
	return glogLogger{logger: logger}
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(sprintf(msg, args)) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(sprintf(msg, args)) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(sprintf(msg, args)) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(sprintf(msg, args)) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(sprintf(msg, args)) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(sprintf(msg, args)) }

func (l glogLogger) WithContext(ctx context.Context) saga.Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) saga.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func sprintf(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
