package process

// Level is the severity passed to a Logger.
type Level int

const (
	LevelError Level = iota
	LevelLog
	LevelVerbose
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelLog:
		return "log"
	case LevelVerbose:
		return "verbose"
	}
	return ""
}

// Logger is the sink for captured lines and lifecycle messages. It is supplied
// by the host application and may be called from the pump goroutine.
type Logger interface {
	Logf(level Level, format string, args ...any)
}

// LoggerFunc adapts an ordinary function to the Logger interface.
type LoggerFunc func(level Level, format string, args ...any)

func (f LoggerFunc) Logf(level Level, format string, args ...any) {
	f(level, format, args...)
}

// Discard drops everything.
var Discard Logger = LoggerFunc(func(Level, string, ...any) {})
