// Package logging provides the logrus-backed sink used for captured process
// output and for the supervisor's own messages.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/mrexodia/pipewatch/process"
)

// Logger is a process.Logger writing through logrus. Child loggers created
// with WithField share the underlying logrus.Logger.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger writing text records to out at the given level
// ("error", "info", "debug", ...). An empty level means "info".
func New(out io.Writer, level string) (*Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: logrus.NewEntry(l)}, nil
}

// Wrap adapts an existing logrus logger.
func Wrap(l *logrus.Logger) *Logger {
	return &Logger{entry: logrus.NewEntry(l)}
}

// WithField returns a child logger that adds key=value to every record.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Entry exposes the logrus entry for structured logging outside the
// process sink.
func (l *Logger) Entry() *logrus.Entry {
	return l.entry
}

// Logf implements process.Logger.
func (l *Logger) Logf(level process.Level, format string, args ...any) {
	l.entry.Logf(toLogrus(level), format, args...)
}

func toLogrus(level process.Level) logrus.Level {
	switch level {
	case process.LevelError:
		return logrus.ErrorLevel
	case process.LevelVerbose:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

var _ process.Logger = (*Logger)(nil)
