package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLoggerFactory routes pion's internal logging through the agent's slog
// handler so ICE and DTLS diagnostics land in the same stream as everything
// else.
type slogLoggerFactory struct {
	base *slog.Logger
}

func newSlogLoggerFactory(base *slog.Logger) logging.LoggerFactory {
	return slogLoggerFactory{base: base}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{l: f.base.With(slog.String("scope", scope))}
}

type slogLeveledLogger struct {
	l *slog.Logger
}

func (s slogLeveledLogger) Trace(msg string)                  { s.l.Debug(msg) }
func (s slogLeveledLogger) Tracef(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s slogLeveledLogger) Debug(msg string)                  { s.l.Debug(msg) }
func (s slogLeveledLogger) Debugf(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s slogLeveledLogger) Info(msg string)                   { s.l.Info(msg) }
func (s slogLeveledLogger) Infof(format string, args ...any)  { s.l.Info(fmt.Sprintf(format, args...)) }
func (s slogLeveledLogger) Warn(msg string)                   { s.l.Warn(msg) }
func (s slogLeveledLogger) Warnf(format string, args ...any)  { s.l.Warn(fmt.Sprintf(format, args...)) }
func (s slogLeveledLogger) Error(msg string)                  { s.l.Error(msg) }
func (s slogLeveledLogger) Errorf(format string, args ...any) { s.l.Error(fmt.Sprintf(format, args...)) }
