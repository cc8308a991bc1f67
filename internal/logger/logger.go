package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

var (
	fileLogger *log.Logger

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up file logging. Logging is active only in debug mode;
// with an empty logPath messages are dropped.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	if !DebugEnabled || logPath == "" {
		return nil
	}

	logDir := filepath.Dir(logPath)

	err := os.MkdirAll(logDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	fileLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile)

	return nil
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
		fileLogger = nil
	}
}

func logf(level, format string, v ...interface{}) {
	if DebugEnabled && fileLogger != nil {
		fileLogger.Printf(level+" "+format, v...)
	}
}

func Infof(format string, v ...interface{}) {
	logf("[INFO]", format, v...)
}

func Errorf(format string, v ...interface{}) {
	logf("[ERROR]", format, v...)
}

func Debugf(format string, v ...interface{}) {
	logf("[DEBUG]", format, v...)
}

func Warnf(format string, v ...interface{}) {
	logf("[WARNING]", format, v...)
}
