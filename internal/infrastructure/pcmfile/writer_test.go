// ABOUTME: Tests for the raw PCM dump writer
// ABOUTME: Verifies frame layout on disk, backlog rejection, and close semantics
package pcmfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interface.pcm")

	w, err := Create(path, 24, 24*64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var want []byte
	for i := 0; i < 10; i++ {
		frames := bytes.Repeat([]byte{byte(i)}, 24*3)
		if _, err := w.Write(frames); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		want = append(want, frames...)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("dump mismatch: got %d bytes, want %d", len(got), len(want))
	}
	if w.Frames() != 30 {
		t.Errorf("expected 30 frames, got %d", w.Frames())
	}
}

func TestWriter_PartialFrame(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.pcm"), 8, 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Write(make([]byte, 12)); !errors.Is(err, ErrPartialFrame) {
		t.Errorf("expected ErrPartialFrame, got %v", err)
	}
}

func TestWriter_BacklogFull(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.pcm"), 8, 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Write(make([]byte, 72)); !errors.Is(err, ErrBacklogFull) {
		t.Errorf("expected ErrBacklogFull for a write larger than the ring, got %v", err)
	}
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x.pcm"), 8, 64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := w.Write(make([]byte, 8)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCreate_InvalidSizes(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(filepath.Join(dir, "a.pcm"), 0, 64); err == nil {
		t.Error("expected error for zero frame size")
	}
	if _, err := Create(filepath.Join(dir, "b.pcm"), 24, 8); err == nil {
		t.Error("expected error for ring smaller than a frame")
	}
	if _, err := Create(filepath.Join(dir, "missing", "c.pcm"), 24, 64); err == nil {
		t.Error("expected error for missing directory")
	}
}
