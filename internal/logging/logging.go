package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Fields carries structured context such as the replica or action a
// message refers to.
type Fields map[string]interface{}

var (
	mu     sync.Mutex
	level  = LevelInfo
	logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&textFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

func fromLogrus(l logrus.Level) Level {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return LevelError
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	default:
		return LevelInfo
	}
}

// SetLevel sets the global log level
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	logger.SetLevel(l.logrus())
}

// SetOutput sets the output destination for logging. Nil restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	logger.SetOutput(w)
}

// SetFormat selects "text" (default) or "json" output.
func SetFormat(format string) error {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&textFormatter{})
	case "json":
		logger.SetFormatter(&jsonFormatter{})
	default:
		return fmt.Errorf("unknown log format: %s (valid: text, json)", format)
	}
	return nil
}

// GetLevel returns the current log level
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Entry is a logger bound to structured fields.
type Entry struct {
	e *logrus.Entry
}

// WithField returns an Entry carrying key=value.
func WithField(key string, value interface{}) *Entry {
	return &Entry{e: logger.WithField(key, value)}
}

// WithFields returns an Entry carrying all fields.
func WithFields(fields Fields) *Entry {
	return &Entry{e: logger.WithFields(logrus.Fields(fields))}
}

// WithField adds key=value to the entry.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{e: e.e.WithField(key, value)}
}

func (e *Entry) Debug(format string, args ...interface{}) { e.e.Debugf(format, args...) }
func (e *Entry) Info(format string, args ...interface{})  { e.e.Infof(format, args...) }
func (e *Entry) Warn(format string, args ...interface{})  { e.e.Warnf(format, args...) }
func (e *Entry) Error(format string, args ...interface{}) { e.e.Errorf(format, args...) }

// Print always prints regardless of level (for progress bars, summaries)
func Print(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(logger.Out, format, args...)
}

// Println always prints with newline regardless of level
func Println(args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintln(logger.Out, args...)
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}

// IsInfo returns true if info level is enabled
func IsInfo() bool {
	return GetLevel() >= LevelInfo
}

// textFormatter renders "2006-01-02 15:04:05 [LEVEL] message key=value".
type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	msg := entry.Message
	// preserve blank line formatting
	for strings.HasPrefix(msg, "\n") {
		msg = strings.TrimPrefix(msg, "\n")
		b.WriteByte('\n')
	}
	msg = strings.TrimSuffix(msg, "\n")

	fmt.Fprintf(&b, "%s [%s] %s", entry.Time.Format("2006-01-02 15:04:05"), fromLogrus(entry.Level), msg)
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// jsonFormatter renders one object per line with ts, level and msg keys.
type jsonFormatter struct{}

func (f *jsonFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Data)+3)
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		data[k] = v
	}
	data["ts"] = entry.Time.Format(time.RFC3339Nano)
	data["level"] = strings.ToLower(fromLogrus(entry.Level).String())
	data["msg"] = strings.TrimSpace(entry.Message)

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}
