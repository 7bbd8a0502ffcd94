package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceLevelName(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "decoded", "width", 36)

	out := b.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("expected TRACE level, got %q", out)
	}

	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("expected trimmed source, got %q", out)
	}
}

func TestTraceDisabled(t *testing.T) {
	var b bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	SetDefault(&b, slog.LevelInfo)
	Trace("hidden")
	if b.Len() != 0 {
		t.Errorf("expected no output, got %q", b.String())
	}

	SetDefault(&b, LevelTrace)
	Trace("shown", "k", "v")
	if !strings.Contains(b.String(), "msg=shown k=v") {
		t.Errorf("unexpected output %q", b.String())
	}
}
