package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a StdLogger emits
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel converts a string level to a LogLevel, defaulting to INFO
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// StdLogger is a levelled structured logger writing key=value lines to
// stderr. It is the production default; tests and embedders usually
// pass NoOpLogger instead.
type StdLogger struct {
	mu    sync.Mutex
	level LogLevel
	out   *os.File
}

// NewStdLogger creates a logger at the given level
func NewStdLogger(level LogLevel) *StdLogger {
	return &StdLogger{level: level, out: os.Stderr}
}

func (l *StdLogger) Debug(msg string, fields map[string]interface{}) { l.log(DebugLevel, "DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields map[string]interface{})  { l.log(InfoLevel, "INFO", msg, fields) }
func (l *StdLogger) Warn(msg string, fields map[string]interface{})  { l.log(WarnLevel, "WARN", msg, fields) }
func (l *StdLogger) Error(msg string, fields map[string]interface{}) { l.log(ErrorLevel, "ERROR", msg, fields) }

func (l *StdLogger) log(level LogLevel, label, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(label)
	b.WriteString("] ")
	b.WriteString(msg)

	// Sorted keys keep log lines diffable
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')

	l.mu.Lock()
	_, _ = l.out.WriteString(b.String())
	l.mu.Unlock()
}
