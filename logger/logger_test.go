package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewStandardLogger(&buf)
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Errorf("also shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info-level logger emitted debug output: %q", out)
	}
	if !strings.Contains(out, "INFO:  shown 2") {
		t.Errorf("missing info line: %q", out)
	}
	if !strings.Contains(out, "ERROR: also shown") {
		t.Errorf("missing error line: %q", out)
	}
}

func TestVerboseLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewVerboseLogger(&buf)
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "DEBUG: visible") {
		t.Errorf("verbose logger dropped debug output: %q", buf.String())
	}
}

func TestBufferLogger(t *testing.T) {
	l := NewBufferLogger()
	l.Infof("a %s", "b")
	l.Errorf("c")

	data, err := l.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "a b") || !strings.Contains(out, "c") {
		t.Errorf("unexpected buffer contents: %q", out)
	}
}

func TestNopLogger(t *testing.T) {
	// Must not panic and must return itself from WithPrefix.
	NopLogger.Infof("x")
	if NopLogger.WithPrefix("p") != NopLogger {
		t.Error("expected NopLogger.WithPrefix to return the nop logger")
	}
}
