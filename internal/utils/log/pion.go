package log

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's internal logging into the global zap logger.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

// the global logger may be swapped after pion caches its loggers
func (p *pionLogger) l() *zap.Logger {
	return L().With(zap.String("pion", p.scope))
}

// pion trace output is far too chatty for debug level
func (p *pionLogger) Trace(msg string)                          {}
func (p *pionLogger) Tracef(format string, args ...interface{}) {}

func (p *pionLogger) Debug(msg string) { p.l().Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.l().Debug(fmt.Sprintf(format, args...))
}

func (p *pionLogger) Info(msg string) { p.l().Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.l().Info(fmt.Sprintf(format, args...))
}

func (p *pionLogger) Warn(msg string) { p.l().Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.l().Warn(fmt.Sprintf(format, args...))
}

func (p *pionLogger) Error(msg string) { p.l().Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.l().Error(fmt.Sprintf(format, args...))
}
