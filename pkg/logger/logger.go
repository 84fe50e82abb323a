package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/killallgit/thrive/pkg/config"
	"github.com/sirupsen/logrus"
)

// Logger provides a unified logging interface
type Logger struct {
	backend *logrus.Logger
	file    *os.File
}

var defaultLogger *Logger

// Init initializes the default logger from the logging section of the config
func Init(settings config.LoggingConfig) error {
	if defaultLogger != nil {
		return nil // Already initialized
	}

	logger, err := New(settings.Level, settings.LogFile, settings.Preserve)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defaultLogger = logger
	return nil
}

// New creates a Logger writing to logFile. An empty logFile logs to stderr.
func New(level, logFile string, preserve bool) (*Logger, error) {
	if logFile == "" {
		return NewWithWriter(level, os.Stderr), nil
	}

	logPath := logFile
	if !filepath.IsAbs(logPath) {
		logPath = config.BuildSettingsPath(filepath.Base(logPath))
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if preserve {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	file, err := os.OpenFile(logPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewWithWriter(level, file)
	l.file = file
	return l, nil
}

// NewWithWriter creates a Logger writing to w
func NewWithWriter(level string, w io.Writer) *Logger {
	backend := logrus.New()
	backend.SetOutput(w)
	backend.SetLevel(parseLevel(level))
	backend.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	return &Logger{backend: backend}
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// parseLevel converts a string level to a logrus level, defaulting to info
func parseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "warning":
		return logrus.WarnLevel
	case "":
		return logrus.InfoLevel
	}

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (l *Logger) log(level logrus.Level, format string, args ...interface{}) {
	if !l.backend.IsLevelEnabled(level) {
		return
	}

	message := fmt.Sprintf(format, args...)
	l.backend.Log(level, message)

	// Errors also reach the terminal when logging to a file
	if level <= logrus.ErrorLevel && l.file != nil {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", strings.ToUpper(level.String()), message)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(logrus.DebugLevel, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(logrus.InfoLevel, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(logrus.WarnLevel, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(logrus.ErrorLevel, format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(logrus.FatalLevel, format, args...)
	os.Exit(1)
}

// Package-level convenience functions using the default logger

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Error(format, args...)
}

// Fatal logs a fatal message and exits using the default logger
func Fatal(format string, args ...interface{}) {
	if defaultLogger == nil {
		fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
		os.Exit(1)
	}
	defaultLogger.Fatal(format, args...)
}

// SetDefault replaces the default logger (useful for testing)
func SetDefault(l *Logger) {
	defaultLogger = l
}

// SetOutput sets the output writer for the logger (useful for testing)
func SetOutput(w io.Writer) {
	if defaultLogger != nil {
		defaultLogger.backend.SetOutput(w)
	}
}

// Close closes the default logger
func Close() error {
	if defaultLogger != nil {
		err := defaultLogger.Close()
		defaultLogger = nil
		return err
	}
	return nil
}
