// Package logging builds the zap loggers used across the module and bridges
// pion's internal logging onto them.
package logging

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger for production and a console logger otherwise.
func New(level, environment string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// PionFactory implements pion's logging.LoggerFactory on top of zap. Pion's
// trace level maps to zap debug.
type PionFactory struct {
	base *zap.Logger
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

// NewPionFactory wraps base. A nil base discards pion logs.
func NewPionFactory(base *zap.Logger) *PionFactory {
	return &PionFactory{base: OrNop(base).Named("pion")}
}

// NewLogger returns a leveled logger for one pion subsystem.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{s: f.base.Named(scope).Sugar()}
}

type pionLogger struct {
	s *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string) { l.s.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string) { l.s.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Info(msg string) { l.s.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) { l.s.Infof(format, args...) }
func (l *pionLogger) Warn(msg string) { l.s.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *pionLogger) Error(msg string) { l.s.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
