// Package logger emits structured JSON log lines for the sync pipeline and
// its binaries. Subscriber emails travel through most log sites here, so
// redaction is on by default: known PII keys are masked outright and
// addresses embedded in free-form values are rewritten.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log line.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level string onto a Level. Unknown or empty
// values mean INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes JSON lines with level filtering and PII redaction.
type Logger struct {
	mu        sync.Mutex
	level     Level
	out       io.Writer
	redactPII bool
}

var std = &Logger{level: INFO, out: os.Stderr, redactPII: true}

// SetLevel sets the minimum level the default logger emits.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles PII redaction on the default logger.
func SetRedactPII(on bool) { std.redactPII = on }

// SetOutput redirects the default logger, mainly for tests.
func SetOutput(w io.Writer) { std.out = w }

// Debug emits a DEBUG line with alternating key/value fields.
func Debug(msg string, fields ...interface{}) { std.write(DEBUG, msg, fields) }

// Info emits an INFO line with alternating key/value fields.
func Info(msg string, fields ...interface{}) { std.write(INFO, msg, fields) }

// Warn emits a WARN line with alternating key/value fields.
func Warn(msg string, fields ...interface{}) { std.write(WARN, msg, fields) }

// Error emits an ERROR line with alternating key/value fields.
func Error(msg string, fields ...interface{}) { std.write(ERROR, msg, fields) }

func (l *Logger) write(level Level, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	// A trailing key without a value is dropped.
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(line))
}
