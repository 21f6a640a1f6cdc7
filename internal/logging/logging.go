// Package logging configures the process-wide zerolog logger. Output goes to
// stderr by default, or to a dated file when a TUI owns the terminal.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu        sync.RWMutex
	logger    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	logFile   *os.File
	logDir    string
	logPath   string
	isFileLog bool
)

// L returns the current logger.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// With returns a child logger tagged with the given component name.
func With(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures level and format ("console" or "json") for stderr output.
func Setup(level, format string) {
	SetOutput(os.Stderr, level, format)
}

// SetOutput points the logger at w.
func SetOutput(w io.Writer, level, format string) {
	var z zerolog.Logger
	if strings.EqualFold(format, "json") {
		z = zerolog.New(w).With().Timestamp().Logger()
	} else {
		z = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: w != os.Stderr}).
			With().Timestamp().Logger()
	}
	z = z.Level(ParseLevel(level))

	mu.Lock()
	logger = z
	mu.Unlock()
}

// Init sends log output to a file under ~/.pocketlm/logs when toFile is true,
// so that log lines do not corrupt a full-screen TUI.
func Init(toFile bool, level string) error {
	if !toFile {
		Setup(level, "console")
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	dir := filepath.Join(homeDir, ".pocketlm", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("pocketlm-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	z := zerolog.New(f).With().Timestamp().Logger().Level(ParseLevel(level))

	mu.Lock()
	logger = z
	logFile = f
	logDir = dir
	logPath = path
	isFileLog = true
	mu.Unlock()

	z.Info().Msg("session started")
	return nil
}

// Close flushes and closes the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logger.Info().Msg("session ended")
		logFile.Close()
		logFile = nil
		isFileLog = false
	}
}

// Discard drops all log output.
func Discard() {
	mu.Lock()
	logger = zerolog.Nop()
	mu.Unlock()
}

// LogDir returns the directory where log files are written.
func LogDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return logDir
}

// LogFilePath returns the active log file, or "" when logging to stderr.
func LogFilePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logPath
}

// IsFileLogging reports whether logs are going to a file.
func IsFileLogging() bool {
	mu.RLock()
	defer mu.RUnlock()
	return isFileLog
}
