// Package logging provides leveled console and file logging for the
// sandbox, colorized on a real terminal and plain otherwise.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is the logging verbosity.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, defaulting to LevelInfo for unknown input.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the leveled logging surface every sandbox component depends on.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Console is a thread-safe Logger that writes colorized, leveled lines
// to a writer, auto-disabling color when the writer is not a terminal.
type Console struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Level
	colors   map[Level]*color.Color
	useColor bool
	extra    []io.Writer // e.g. a file sink, written uncolored
}

// NewConsole creates a Console writing to w at the given minimum level.
// If w is *os.File and a TTY, output is colorized via a colorable writer;
// otherwise colors are disabled automatically (fatih/color's own
// detection is bypassed here so tests get deterministic plain output).
func NewConsole(w io.Writer, minLevel Level) *Console {
	useColor := false
	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		useColor = true
		out = colorable.NewColorable(f)
	}

	return &Console{
		out:      out,
		minLevel: minLevel,
		useColor: useColor,
		colors: map[Level]*color.Color{
			LevelTrace: color.New(color.FgWhite),
			LevelDebug: color.New(color.FgCyan),
			LevelInfo:  color.New(color.FgGreen),
			LevelWarn:  color.New(color.FgYellow),
			LevelError: color.New(color.FgRed),
		},
	}
}

// AddSink attaches an additional, always-uncolored writer (e.g. a log
// file). Sinks receive the same minLevel-filtered lines as the primary
// writer, but never ANSI color codes.
func (c *Console) AddSink(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra = append(c.extra, w)
}

func (c *Console) log(level Level, format string, args ...interface{}) {
	if level < c.minLevel {
		return
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05.000")
	plain := fmt.Sprintf("[%s] %-5s %s\n", ts, level.String(), msg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useColor {
		tag := c.colors[level].Sprintf("%-5s", level.String())
		fmt.Fprintf(c.out, "[%s] %s %s\n", ts, tag, msg)
	} else {
		fmt.Fprint(c.out, plain)
	}
	for _, sink := range c.extra {
		fmt.Fprint(sink, plain)
	}
}

func (c *Console) Tracef(format string, args ...interface{}) { c.log(LevelTrace, format, args...) }
func (c *Console) Debugf(format string, args ...interface{}) { c.log(LevelDebug, format, args...) }
func (c *Console) Infof(format string, args ...interface{})  { c.log(LevelInfo, format, args...) }
func (c *Console) Warnf(format string, args ...interface{})  { c.log(LevelWarn, format, args...) }
func (c *Console) Errorf(format string, args ...interface{}) { c.log(LevelError, format, args...) }

// NewFileSink opens (creating parent directories) a log file for
// appending and returns it as an io.WriteCloser suitable for AddSink.
func NewFileSink(path string) (io.WriteCloser, error) {
	if dir := dirOf(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

// TruncateWords truncates s to at most maxWords whitespace-delimited
// words and appends an ellipsis marker if truncated, splitting only on
// rune boundaries so multi-byte text is never mangled mid-codepoint.
// Used when rendering long captured command output for the console or
// status displays.
func TruncateWords(s string, maxWords int) string {
	if maxWords <= 0 {
		return ""
	}

	fields := strings.FieldsFunc(s, unicode.IsSpace)
	if len(fields) <= maxWords {
		return s
	}

	return strings.Join(fields[:maxWords], " ") + "…"
}
