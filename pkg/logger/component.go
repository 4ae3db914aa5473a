package logger

// ComponentLogger prefixes every line with a component name. It resolves the
// default logger at call time, so it can be created before Init runs.
type ComponentLogger struct {
	prefix string
}

// WithComponent returns a logger that tags messages with name.
func WithComponent(name string) *ComponentLogger {
	return &ComponentLogger{prefix: "[" + name + "] "}
}

func (c *ComponentLogger) emit(level LogLevel, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.log(level, c.prefix, format, args...)
	}
}

// Debug logs a debug message
func (c *ComponentLogger) Debug(format string, args ...interface{}) {
	c.emit(LevelDebug, format, args...)
}

// Info logs an info message
func (c *ComponentLogger) Info(format string, args ...interface{}) {
	c.emit(LevelInfo, format, args...)
}

// Warn logs a warning message
func (c *ComponentLogger) Warn(format string, args ...interface{}) {
	c.emit(LevelWarn, format, args...)
}

// Error logs an error message
func (c *ComponentLogger) Error(format string, args ...interface{}) {
	c.emit(LevelError, format, args...)
}
