package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level
	DEBUG LogLevel = iota
	// INFO level
	INFO
	// WARN level
	WARN
	// ERROR level
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[90m",
	INFO:  "\033[32m",
	WARN:  "\033[33m",
	ERROR: "\033[31m",
}

const resetColor = "\033[0m"

// String returns the level name.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Logger writes leveled log lines to the console and, optionally, to a
// size-rotated file.
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	console     io.Writer
	file        *os.File
	filePath    string
	maxSize     int64 // bytes
	maxBackups  int
	currentSize int64
	color       bool
	callerSkip  int
}

// Config represents the configuration for the logger
type Config struct {
	// Log level
	Level LogLevel
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in megabytes
	MaxSize int
	// Maximum number of rotated files kept
	MaxBackups int
	// Whether to log to console
	Console bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      INFO,
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a new logger
func New(cfg Config) (*Logger, error) {
	l := &Logger{
		level:      cfg.Level,
		filePath:   cfg.FilePath,
		maxSize:    int64(cfg.MaxSize) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		callerSkip: 3,
	}
	if cfg.Console {
		l.console = os.Stdout
		l.color = true
	}

	if cfg.FilePath == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.currentSize = info.Size()
	return l, nil
}

// NewWriter creates a logger that writes uncoloured lines to w. It is meant
// for capturing output in tests.
func NewWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{level: level, console: w, callerSkip: 3}
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(l.callerSkip)
	if !ok {
		file = "unknown"
		line = 0
	}
	file = filepath.Base(file)

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	if l.console != nil {
		levelStr := level.String()
		if l.color {
			levelStr = levelColors[level] + levelStr + resetColor
		}
		fmt.Fprintf(l.console, "%s [%s] %s:%d: %s\n", timestamp, levelStr, file, line, msg)
	}

	if l.file == nil {
		return
	}
	n, err := fmt.Fprintf(l.file, "%s [%s] %s:%d: %s\n", timestamp, level, file, line, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log: %v\n", err)
		return
	}
	l.currentSize += int64(n)
	if l.maxSize > 0 && l.currentSize >= l.maxSize {
		l.rotate()
	}
}

// rotate moves the current file aside under a timestamped name and reopens
// a fresh one. Caller holds l.mu.
func (l *Logger) rotate() {
	l.file.Close()

	dir := filepath.Dir(l.filePath)
	base := filepath.Base(l.filePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, time.Now().Format("20060102-150405"), ext))
	if err := os.Rename(l.filePath, backupPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
	}

	l.pruneBackups(filepath.Join(dir, name+".*"+ext))

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create new log file: %v\n", err)
		l.file = nil
		return
	}
	l.file = file
	l.currentSize = 0
}

func (l *Logger) pruneBackups(pattern string) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find old log files: %v\n", err)
		return
	}
	if len(matches) <= l.maxBackups {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		backups = append(backups, backup{match, info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.Before(backups[j].modTime)
	})
	for i := 0; i < len(backups)-l.maxBackups; i++ {
		os.Remove(backups[i].path)
	}
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
