package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"github.com/fatih/color"
)

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end of
// a byte slice.
func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	// Append the data to our internal buffer.
	w.buffer = append(w.buffer, buffer...)

	// Process all lines in the buffer, tracking the number of bytes that we
	// process.
	var processed int
	remaining := w.buffer
	for {
		// Find the index of the next newline character.
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}

		// Process the line.
		w.callback(string(trimCarriageReturn(remaining[:index])))

		// Update the number of bytes that we've processed.
		processed += index + 1

		// Update the remaining slice.
		remaining = remaining[index+1:]
	}

	// If we managed to process bytes, then truncate our internal buffer.
	if processed > 0 {
		// Compute the number of leftover bytes.
		leftover := len(w.buffer) - processed

		// If there are leftover bytes, then shift them to the front of the
		// buffer.
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}

		// Truncate the buffer.
		w.buffer = w.buffer[:leftover]
	}

	// Done.
	return len(buffer), nil
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything - this lets callers pass a
// nil logger in performance-sensitive or optional-logging paths without a
// sprinkling of nil checks. Each logger carries a Level that gates which
// calls actually produce output; a sublogger inherits its parent's level.
// It is designed to use the standard logger provided by the log package, so
// it respects any flags set for that logger. It is safe for concurrent use.
type Logger struct {
	// prefix is any hierarchical prefix built up via Sublogger.
	prefix string
	// level is the minimum level at which this logger emits output.
	level Level
}

// RootLogger is the root logger from which all other loggers derive,
// configured at LevelInfo by default.
var RootLogger = &Logger{level: LevelInfo}

// NewLogger creates a root logger at the specified level. If output is
// non-nil, it becomes the destination for the standard log package (and
// thus for every Logger, since all loggers route through log.Output).
func NewLogger(level Level, output io.Writer) *Logger {
	if output != nil {
		log.SetOutput(output)
	}
	return &Logger{level: level}
}

// Sublogger creates a new sublogger with the specified name, inheriting the
// parent's level.
func (l *Logger) Sublogger(name string) *Logger {
	// If the logger is nil, then the sublogger will be as well.
	if l == nil {
		return nil
	}

	// Compute the new prefix.
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}

	// Create the new logger.
	return &Logger{
		prefix: prefix,
		level:  l.level,
	}
}

// Level returns the logger's current level. A nil logger reports
// LevelDisabled.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelDisabled
	}
	return l.level
}

// enabled reports whether messages at the given level should be emitted.
func (l *Logger) enabled(level Level) bool {
	return l != nil && l.level >= level
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	// Add a prefix if necessary.
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}

	// Log.
	log.Output(calldepth, line)
}

// Print logs information with semantics equivalent to fmt.Print at
// LevelInfo.
func (l *Logger) Print(v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Printf logs information with semantics equivalent to fmt.Printf at
// LevelInfo.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Println logs information with semantics equivalent to fmt.Println at
// LevelInfo.
func (l *Logger) Println(v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output(3, fmt.Sprintln(v...))
	}
}

// Writer returns an io.Writer that writes lines at LevelInfo.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: l.Print}
}

// Info logs information with semantics equivalent to fmt.Print at
// LevelInfo. It is an alias for Print, kept for symmetry with
// Infof/Warnf/Errorf/Debugf/Tracef.
func (l *Logger) Info(v ...interface{}) {
	l.Print(v...)
}

// Infof logs information with semantics equivalent to fmt.Printf at
// LevelInfo.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.Printf(format, v...)
}

// Debug logs information with semantics equivalent to fmt.Print, but only
// if the logger's level is at least LevelDebug.
func (l *Logger) Debug(v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs information with semantics equivalent to fmt.Printf, but only
// if the logger's level is at least LevelDebug.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Debugln logs information with semantics equivalent to fmt.Println, but
// only if the logger's level is at least LevelDebug.
func (l *Logger) Debugln(v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.output(3, fmt.Sprintln(v...))
	}
}

// DebugWriter returns an io.Writer that writes lines using Debugln.
func (l *Logger) DebugWriter() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: l.Debugln}
}

// Trace logs information with semantics equivalent to fmt.Print, but only
// if the logger's level is at least LevelTrace.
func (l *Logger) Trace(v ...interface{}) {
	if l.enabled(LevelTrace) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Tracef logs information with semantics equivalent to fmt.Printf, but only
// if the logger's level is at least LevelTrace.
func (l *Logger) Tracef(format string, v ...interface{}) {
	if l.enabled(LevelTrace) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Warn logs error information with a warning prefix and yellow color. Unlike
// Warnf, it is not gated by level, matching the severity-always-visible
// convention of the rest of the pip executor's error handling (a build that
// can run at all can always be warned about it).
func (l *Logger) Warn(err error) {
	if l != nil {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Warnf logs a formatted warning message with a yellow color, gated at
// LevelWarn so that -v=disabled builds can silence it entirely.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l.enabled(LevelWarn) {
		l.output(3, color.YellowString(format, v...))
	}
}

// Error logs error information with an error prefix and red color.
func (l *Logger) Error(err error) {
	if l != nil {
		l.output(3, color.RedString("Error: %v", err))
	}
}

// Errorf logs a formatted error message with a red color, gated at
// LevelError.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.enabled(LevelError) {
		l.output(3, color.RedString(format, v...))
	}
}
