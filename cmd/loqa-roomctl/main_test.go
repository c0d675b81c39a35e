package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunChunkPrintsFrames(t *testing.T) {
	var out bytes.Buffer
	if err := runChunk([]string{"-limit", "3", "hello"}, &out); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 frames, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], `"hel"`) || !strings.Contains(lines[1], `"lo"`) {
		t.Fatalf("unexpected content frames: %q", lines[:2])
	}
	if !strings.Contains(lines[2], "terminator") || !strings.Contains(lines[2], `"EOM"`) {
		t.Fatalf("expected terminator frame, got %q", lines[2])
	}
}

func TestRunChunkWarnsOnCollision(t *testing.T) {
	var out bytes.Buffer
	if err := runChunk([]string{"-limit", "3", "EOM"}, &out); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if !strings.Contains(out.String(), "warning") {
		t.Fatalf("expected collision warning, got %q", out.String())
	}
}

func TestRunChunkRejectsBadLimit(t *testing.T) {
	if err := runChunk([]string{"-limit", "0", "hi"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for zero limit")
	}
}
