/* usbipd - USB/IP server
 *
 * Logging
 */

package usbiplog

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogLevel enumerates possible log levels. Implication chain, matching the
// teacher's logger.go: LogTraceAll implies LogDebug, LogDebug implies
// LogInfo, LogInfo implies LogError.
type LogLevel int

const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
	LogTraceOp
	LogTraceURB

	LogTraceAll = LogTraceOp | LogTraceURB
	LogAll      = LogError | LogInfo | LogDebug | LogTraceAll
)

const (
	maxFileSize    = 256 * 1024
	maxBackupFiles = 5
)

type loggerMode int

const (
	modeNoMode loggerMode = iota
	modeConsole
	modeFile
	modeNowhere
)

// Logger implements logging facilities: leveled, line-buffered messages,
// optional carbon-copy to other loggers, optional file output with
// rotation. Generalized from the teacher's logger.go, trimmed of the
// IPP/eSCL/HTTP-specific dump helpers it doesn't need here.
type Logger struct {
	LogMessage

	mode   loggerMode
	levels LogLevel
	lock   sync.Mutex
	path   string
	out    io.Writer

	cc []ccEntry
}

type ccEntry struct {
	mask LogLevel
	to   *Logger
}

// NewLogger creates a new logger. Until a destination is chosen (ToConsole,
// ToFile, ToNowhere), writes are silently dropped.
func NewLogger() *Logger {
	l := &Logger{mode: modeNoMode, levels: LogAll}
	l.LogMessage.logger = l
	return l
}

// ToConsole redirects the logger to stdout.
func (l *Logger) ToConsole() *Logger {
	l.mode = modeConsole
	l.out = os.Stdout
	return l
}

// ToNowhere discards all output. Used for the console logger in
// background/daemon mode.
func (l *Logger) ToNowhere() *Logger {
	l.mode = modeNowhere
	l.out = nil
	return l
}

// ToFile redirects the logger to a file at path, opened on first write.
func (l *Logger) ToFile(path string) *Logger {
	l.path = path
	l.mode = modeFile
	l.out = nil
	return l
}

// SetLevels sets the mask of levels this logger will actually write.
func (l *Logger) SetLevels(levels LogLevel) {
	l.levels = levels
}

// Cc adds a carbon-copy destination: every line whose level matches mask is
// also appended to "to". Mirrors the teacher's Cc, including the
// trace-implies-debug-implies-info-implies-error widening.
func (l *Logger) Cc(to *Logger, mask LogLevel) {
	if mask&LogTraceAll != 0 {
		mask |= LogDebug
	}
	if mask&LogDebug != 0 {
		mask |= LogInfo
	}
	if mask&LogInfo != 0 {
		mask |= LogError
	}
	l.cc = append(l.cc, ccEntry{mask: mask, to: to})
}

// Close closes the underlying file, if any.
func (l *Logger) Close() {
	if l.mode == modeFile && l.out != nil {
		if f, ok := l.out.(*os.File); ok {
			f.Close()
		}
	}
}

func (l *Logger) fmtPrefix(buf *bytes.Buffer) {
	if l.mode != modeFile {
		return
	}
	now := time.Now()
	fmt.Fprintf(buf, "%4d-%2.2d-%2.2d %2.2d:%2.2d:%2.2d ",
		now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second())
}

func (l *Logger) rotate() {
	f, ok := l.out.(*os.File)
	if !ok {
		return
	}

	stat, err := f.Stat()
	if err != nil || stat.Size() <= maxFileSize {
		return
	}

	prev := ""
	for i := maxBackupFiles; i >= 0; i-- {
		next := l.path
		if i > 0 {
			next = fmt.Sprintf("%s.%d.gz", l.path, i-1)
		}

		switch i {
		case maxBackupFiles:
			os.Remove(next)
		case 0:
			if l.gzipInto(next, prev) == nil {
				f.Truncate(0)
			}
		default:
			os.Rename(next, prev)
		}
		prev = next
	}
}

func (l *Logger) gzipInto(ipath, opath string) error {
	in, err := os.Open(ipath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(opath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	w := gzip.NewWriter(out)
	_, err = io.Copy(w, in)
	err2 := w.Close()
	err3 := out.Close()

	if err == nil {
		err = err2
	}
	if err == nil {
		err = err3
	}
	if err != nil {
		os.Remove(opath)
	}
	return err
}

// LogMessage is a single, possibly multi-line, log message; lines written
// to it are flushed atomically so concurrent loggers never interleave mid
// message.
type LogMessage struct {
	logger *Logger
	lines  []line
}

type line struct {
	level LogLevel
	text  string
}

// Begin starts a new message on this logger.
func (l *Logger) Begin() *LogMessage {
	return &LogMessage{logger: l}
}

// Add appends a formatted line at the given level, with an optional
// one-character prefix (as the teacher's messages do: '+', '-', '!', ' ').
func (m *LogMessage) Add(level LogLevel, prefix byte, format string, args ...interface{}) *LogMessage {
	var b bytes.Buffer
	if prefix != 0 {
		b.WriteByte(prefix)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, format, args...)
	m.lines = append(m.lines, line{level: level, text: b.String()})
	return m
}

func (m *LogMessage) Debug(prefix byte, format string, args ...interface{}) *LogMessage {
	return m.Add(LogDebug, prefix, format, args...)
}

func (m *LogMessage) Info(prefix byte, format string, args ...interface{}) *LogMessage {
	return m.Add(LogInfo, prefix, format, args...)
}

func (m *LogMessage) Error(prefix byte, format string, args ...interface{}) *LogMessage {
	return m.Add(LogError, prefix, format, args...)
}

// TraceOp logs an OP-phase protocol trace line.
func (m *LogMessage) TraceOp(prefix byte, format string, args ...interface{}) *LogMessage {
	return m.Add(LogTraceOp, prefix, format, args...)
}

// TraceURB logs a URB dispatch trace line.
func (m *LogMessage) TraceURB(prefix byte, format string, args ...interface{}) *LogMessage {
	return m.Add(LogTraceURB, prefix, format, args...)
}

// Exit logs an error line, flushes, and terminates the process.
func (m *LogMessage) Exit(prefix byte, format string, args ...interface{}) {
	if m.logger.mode == modeNoMode {
		m.logger.ToConsole()
	}
	m.Error(prefix, format, args...)
	m.Commit()
	os.Exit(1)
}

// Check calls Exit if err is non-nil.
func (m *LogMessage) Check(err error) {
	if err != nil {
		m.Exit(0, "%s", err)
	}
}

// Commit writes the message to the log, including carbon copies.
func (m *LogMessage) Commit() {
	if len(m.lines) == 0 {
		return
	}

	l := m.logger
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.out == nil && l.mode == modeFile {
		os.MkdirAll(filepath.Dir(l.path), 0755)
		l.out, _ = os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	}

	if l.mode == modeFile {
		l.rotate()
	}

	writable := l.out != nil && l.mode != modeNowhere

	var prefix bytes.Buffer
	l.fmtPrefix(&prefix)

	for _, ln := range m.lines {
		if writable && l.levels&ln.level != 0 {
			fmt.Fprintf(l.out, "%s%s\n", prefix.String(), ln.text)
		}

		for _, cc := range l.cc {
			if cc.mask&ln.level != 0 {
				cc.to.Begin().Add(ln.level, 0, "%s", ln.text).Commit()
			}
		}
	}

	m.lines = nil
}

// Nl adds a blank debug-level line, used as a section separator.
func (m *LogMessage) Nl() *LogMessage {
	return m.Add(LogDebug, 0, "")
}

// LineWriter returns an io.Writer that appends each write as one line at
// the given level, for wiring into log.Logger (net/http's ErrorLog).
func (l *Logger) LineWriter(level LogLevel, prefix byte) io.Writer {
	return &lineWriter{logger: l, level: level, prefix: prefix}
}

type lineWriter struct {
	logger *Logger
	level  LogLevel
	prefix byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.logger.Begin().Add(w.level, w.prefix, "%s", bytes.TrimRight(p, "\n")).Commit()
	return len(p), nil
}
