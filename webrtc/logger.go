package webrtc

import (
	"fmt"

	"github.com/edaniels/golog"
	"github.com/pion/logging"
)

// LoggerFactory hands pion a golog.Logger named after each pion scope (ice,
// dtls, sctp and so on). zap has no trace level, so trace entries are written
// at debug and tagged with pion_level=trace.
type LoggerFactory struct {
	Logger golog.Logger
}

// NewLogger returns a pion logger for the given scope.
func (lf LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{lf.Logger.Named(scope)}
}

type pionLogger struct {
	logger golog.Logger
}

func (l pionLogger) Trace(msg string) {
	l.logger.Debugw(msg, "pion_level", "trace")
}

func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l pionLogger) Debug(msg string) {
	l.logger.Debug(msg)
}

func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l pionLogger) Info(msg string) {
	l.logger.Info(msg)
}

func (l pionLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l pionLogger) Warn(msg string) {
	l.logger.Warn(msg)
}

func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l pionLogger) Error(msg string) {
	l.logger.Error(msg)
}

func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}
