package logger

import "os"

var defLogger = NewSlog(os.Stderr, InfoLevel, os.Getenv("LOG_FORMAT"))

func Debug(msg string, keysAndValues ...any) {
	defLogger.Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	defLogger.Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	defLogger.Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	defLogger.Error(msg, keysAndValues...)
}

func SetLevel(level Level) {
	defLogger.SetLevel(level)
}

func GetLogger() Logger {
	return defLogger
}

func With(keyValues ...any) Logger {
	return defLogger.With(keyValues...)
}

// SetDefault replaces the package-level logger. Loggers already derived
// with With keep writing to the previous one.
func SetDefault(l Logger) {
	if l != nil {
		defLogger = l
	}
}
