package usbiplog

import (
	"bytes"
	"strings"
	"testing"
)

func newBufLogger(buf *bytes.Buffer) *Logger {
	l := &Logger{mode: modeConsole, levels: LogAll, out: buf}
	l.LogMessage.logger = l
	return l
}

func TestCommitRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf)
	l.levels = LogError

	l.Begin().Info(' ', "should be dropped").Commit()
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	l.Begin().Error('!', "boom").Commit()
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected error line to be written, got %q", buf.String())
	}
}

func TestCcWidensMaskTransitively(t *testing.T) {
	var buf bytes.Buffer
	dst := newBufLogger(&buf)
	dst.levels = LogAll

	var srcBuf bytes.Buffer
	src := newBufLogger(&srcBuf)
	src.Cc(dst, LogTraceURB)

	src.Begin().TraceURB('>', "trace line").Commit()
	if !strings.Contains(buf.String(), "trace line") {
		t.Fatalf("expected trace line cc'd to dst, got %q", buf.String())
	}

	srcBuf.Reset()
	buf.Reset()

	src.Begin().Error('!', "error line").Commit()
	if !strings.Contains(buf.String(), "error line") {
		t.Fatalf("expected error line implied by trace-urb cc mask, got %q", buf.String())
	}
}

func TestToNowhereDiscardsOutput(t *testing.T) {
	l := NewLogger().ToNowhere()
	l.SetLevels(LogAll)
	l.Begin().Error('!', "should vanish").Commit()
}

func TestLineWriterAppendsOneLinePerWrite(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf)

	w := l.LineWriter(LogError, '!')
	w.Write([]byte("first problem\n"))

	if !strings.Contains(buf.String(), "first problem") {
		t.Fatalf("expected line written via LineWriter, got %q", buf.String())
	}
}
