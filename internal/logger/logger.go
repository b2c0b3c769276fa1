// Package logger provides the leveled console logger used across the mission
// core. Output is timestamped, mutex-guarded, and colorized when the writer
// is a TTY. A nil *Logger is safe to use and discards everything.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Log levels in ascending severity.
const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[string]int{
	"trace": levelTrace,
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// Logger writes timestamped, level-filtered messages to a single writer.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	level    int
	colorize bool
}

// New creates a Logger writing to w at the given level. Valid levels are
// trace, debug, info, warn, error (case-insensitive); anything else defaults
// to info. A nil writer discards all output.
func New(w io.Writer, level string) *Logger {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = levelInfo
	}
	return &Logger{
		writer:   w,
		level:    lvl,
		colorize: isTerminal(w),
	}
}

// isTerminal reports whether w is a TTY that supports color. NO_COLOR is
// honored through the color package.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Tracef logs at trace level.
func (l *Logger) Tracef(format string, args ...any) { l.logf(levelTrace, nil, format, args...) }

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) { l.logf(levelDebug, nil, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) { l.logf(levelInfo, nil, format, args...) }

// Warnf logs at warn level, colored yellow on TTYs.
func (l *Logger) Warnf(format string, args ...any) {
	l.logf(levelWarn, color.New(color.FgYellow), format, args...)
}

// Errorf logs at error level, colored red on TTYs.
func (l *Logger) Errorf(format string, args ...any) {
	l.logf(levelError, color.New(color.FgRed), format, args...)
}

func (l *Logger) logf(level int, c *color.Color, format string, args ...any) {
	if l == nil || l.writer == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), msg)
	if l.colorize && c != nil {
		line = c.Sprint(line)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.writer, line)
}
