package perf

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTrackWritesTiming(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	want := errors.New("boom")
	if err := Track("setIcon tab=3", func() error { return want }); err != want {
		t.Fatalf("Track returned %v, want %v", err, want)
	}
	if !strings.Contains(buf.String(), "setIcon tab=3: ") {
		t.Fatalf("missing timing line, got %q", buf.String())
	}
}

func TestStartFormatsName(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Start("refresh %s %d", "panel", 2).Stop()
	if !strings.Contains(buf.String(), "refresh panel 2: ") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestStopWithoutOutput(t *testing.T) {
	SetOutput(nil)
	if d := Start("noop").Stop(); d < 0 {
		t.Fatalf("negative duration %v", d)
	}
}
