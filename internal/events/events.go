// Package events writes the human-readable service log.
package events

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
)

// Logger appends "[timestamp] message" lines to a file. Each Record opens,
// appends and closes, so the file can be rotated or removed at any time.
type Logger struct {
	path   string
	layout string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a Logger writing to path with the strftime layout.
func New(path, layout string, logger *slog.Logger) *Logger {
	return &Logger{
		path:   path,
		layout: layout,
		now:    time.Now,
		logger: logger.With("component", "events"),
	}
}

// Path returns the log file location.
func (l *Logger) Path() string {
	return l.path
}

// flatten joins the lines of a multi-line message, e.g. captured stderr.
var flatten = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Record formats and appends one line; embedded line breaks become spaces.
// Write failures go to the diagnostic logger only.
func (l *Logger) Record(format string, args ...any) {
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\r\n")
	line := fmt.Sprintf("[%s] %s\n", strftime.Format(l.layout, l.now()), flatten.Replace(msg))

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.logger.Error("open event log", "path", l.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		l.logger.Error("write event log", "path", l.path, "error", err)
	}
}
