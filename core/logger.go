package core

import (
	"github.com/sirupsen/logrus"
)

type Logger interface {
	Criticalf(format string, args ...any)
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
	Noticef(format string, args ...any)
	Warningf(format string, args ...any)
}

// LogrusAdapter wraps a logrus.Logger to satisfy the Logger interface.
type LogrusAdapter struct {
	*logrus.Logger
}

var _ Logger = (*LogrusAdapter)(nil)

func (l *LogrusAdapter) Criticalf(format string, args ...any) {
	l.Logger.Fatalf(format, args...)
}

func (l *LogrusAdapter) Debugf(format string, args ...any) {
	l.Logger.Debugf(format, args...)
}

func (l *LogrusAdapter) Errorf(format string, args ...any) {
	l.Logger.Errorf(format, args...)
}

func (l *LogrusAdapter) Noticef(format string, args ...any) {
	l.Logger.Infof(format, args...)
}

func (l *LogrusAdapter) Warningf(format string, args ...any) {
	l.Logger.Warnf(format, args...)
}

// SimpleLogger discards everything. Used where a component is constructed
// before its real logger is available, and in tests.
type SimpleLogger struct{}

func (s *SimpleLogger) Criticalf(format string, args ...any) {}
func (s *SimpleLogger) Debugf(format string, args ...any)    {}
func (s *SimpleLogger) Errorf(format string, args ...any)    {}
func (s *SimpleLogger) Noticef(format string, args ...any)   {}
func (s *SimpleLogger) Warningf(format string, args ...any)  {}
