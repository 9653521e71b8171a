package cron

import (
	"context"
	"fmt"
	"time"

	experiment "github.com/goliatone/go-experiment"
)

// LogLevel filters what the underlying cron library logs.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the cron expression dialect.
type Parser int

const (
	// DefaultParser accepts standard five-field expressions and descriptors.
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger experiment.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithContext sets the parent context handed to every task run.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// loggerAdapter adapts experiment.Logger to robfig/cron's key/value logger.
type loggerAdapter struct {
	logger experiment.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Debug("cron: %s %v", msg, keysAndValues)
		return
	}
	if l.level >= LogLevelInfo {
		l.logger.Info("cron: %s %v", msg, keysAndValues)
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("cron: %s %v: %v", msg, keysAndValues, err)
	}
}

// errorHandlerAdapter routes recovered panics from the cron chain to the
// scheduler error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, _ ...any) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s", msg)
	}
	e.handler(err)
}
