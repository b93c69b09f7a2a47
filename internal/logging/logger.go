// Package logging provides the gateway's structured logger.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

// Logger provides structured logging for the meter gateway.
type Logger struct {
	mu      sync.Mutex
	level   LogLevel
	file    *os.File
	fileLog *log.Logger
	stdout  *log.Logger
	stderr  *log.Logger
	format  string // "text" or "json"
	logEvery int
	counter  int64
}

// LevelFromString maps the config file's level name to a LogLevel, defaulting
// to LogLevelInfo for an empty or unrecognized value.
func LevelFromString(s string) LogLevel {
	switch s {
	case "silent":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "verbose":
		return LogLevelVerbose
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

// NewLogger creates a new logger with text formatting and no sampling.
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, logFile, "text", 1)
}

// NewLoggerWithOptions creates a logger with an explicit output format and a
// console sampling rate. format defaults to "text"; logEvery <= 0 defaults to 1
// (no sampling). Sampling only thins console output — a configured log file
// always receives every message regardless of logEvery.
func NewLoggerWithOptions(level LogLevel, logFile, format string, logEvery int) (*Logger, error) {
	if format == "" {
		format = "text"
	}
	if logEvery <= 0 {
		logEvery = 1
	}

	l := &Logger{
		level:    level,
		stdout:   log.New(os.Stdout, "", 0),
		stderr:   log.New(os.Stderr, "", 0),
		format:   format,
		logEvery: logEvery,
	}

	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		l.file = file
		l.fileLog = log.New(file, "", log.LstdFlags)
	}

	return l, nil
}

// Close closes the logger and flushes all data.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Error logs an error message.
func (l *Logger) Error(format string, v ...interface{}) {
	if l.level >= LogLevelError {
		l.emit("error", fmt.Sprintf(format, v...), true)
	}
}

// Info logs an info message.
func (l *Logger) Info(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		l.emit("info", fmt.Sprintf(format, v...), false)
	}
}

// Verbose logs a verbose message.
func (l *Logger) Verbose(format string, v ...interface{}) {
	if l.level >= LogLevelVerbose {
		l.emit("verbose", fmt.Sprintf(format, v...), false)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		l.emit("debug", fmt.Sprintf(format, v...), false)
	}
}

// emit renders and writes one log line, applying console sampling.
func (l *Logger) emit(level, msg string, isError bool) {
	atomic.AddInt64(&l.counter, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	rendered := l.render(level, msg)

	if l.fileLog != nil {
		l.fileLog.Println(rendered)
	}

	// Sampling only thins the console path; the file always gets everything.
	if l.logEvery > 1 && l.counter%int64(l.logEvery) != 0 {
		return
	}

	if isError {
		l.stderr.Println(rendered)
	} else if l.level >= LogLevelVerbose {
		l.stdout.Println(rendered)
	}
}

func (l *Logger) render(level, msg string) string {
	switch l.format {
	case "json":
		return fmt.Sprintf(`{"level":%q,"message":%q}`, level, msg)
	default:
		return fmt.Sprintf("%s: %s", levelUpper(level), msg)
	}
}

func levelUpper(level string) string {
	switch level {
	case "error":
		return "ERROR"
	case "verbose":
		return "VERBOSE"
	case "debug":
		return "DEBUG"
	default:
		return "INFO"
	}
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LogCommand logs the outcome of a dispatched meter command.
func (l *Logger) LogCommand(method, meterID string, success bool, rttMs float64, err error) {
	var statusStr string
	if success {
		statusStr = "SUCCESS"
	} else {
		statusStr = "FAILED"
	}

	var errStr string
	if err != nil {
		errStr = fmt.Sprintf(" - error: %v", err)
	}

	msg := fmt.Sprintf("%s %s on meter %s (RTT: %.3fms)%s", statusStr, method, meterID, rttMs, errStr)

	if success {
		l.Verbose("%s", msg)
	} else {
		l.Info("%s", msg)
	}
}

// LogStartup logs gateway startup parameters.
func (l *Logger) LogStartup(listenAddr string, maxConnections int, heartbeatIntervalMs, connectionTimeoutMs int, configPath string) {
	l.Info("Starting meter gateway")
	l.Verbose("  Listen: %s", listenAddr)
	l.Verbose("  Max connections: %d", maxConnections)
	l.Verbose("  Heartbeat interval: %d ms", heartbeatIntervalMs)
	l.Verbose("  Connection timeout: %d ms", connectionTimeoutMs)
	l.Verbose("  Config: %s", configPath)
}

// LogFrame logs a wire-level frame at debug level, annotated with its
// direction, protocol, and owning meter id (may be empty before identification).
func (l *Logger) LogFrame(direction, protocol, meterID string, data []byte) {
	if l.level >= LogLevelDebug {
		hexStr := fmt.Sprintf("%x", data)
		formatted := ""
		for i := 0; i < len(hexStr); i += 2 {
			if i > 0 {
				formatted += " "
			}
			if i+2 <= len(hexStr) {
				formatted += hexStr[i : i+2]
			} else {
				formatted += hexStr[i:]
			}
		}
		l.Debug("%s %s meter=%s: %s", direction, protocol, meterID, formatted)
	}
}
