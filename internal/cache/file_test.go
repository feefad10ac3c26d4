package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/substream/substream-go/internal/catalog"
	apperrors "github.com/substream/substream-go/internal/errors"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "partial"), 0755); err != nil {
		t.Fatal(err)
	}
	return NewFile(catalog.Entry{ID: "song-1", Suffix: "mp3", SizeBytes: 100}, 0, dir)
}

func writePartial(t *testing.T, f *File, data string) {
	t.Helper()
	if err := os.WriteFile(f.PartialPath(), []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write partial file: %v", err)
	}
}

func TestFile_StartTwiceIsAlreadyActive(t *testing.T) {
	f := newTestFile(t)

	if _, err := f.Start(context.Background(), 100); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if _, err := f.Start(context.Background(), 100); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Expected ErrAlreadyActive, got %v", err)
	}
}

func TestFile_CompleteRenamesPartial(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Start(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "audio")

	if err := f.Complete(); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if f.State() != StateComplete {
		t.Errorf("Expected complete state, got %s", f.State())
	}
	// Complete implies the complete file exists and the partial does not
	if _, err := os.Stat(f.CompletePath()); err != nil {
		t.Errorf("Expected complete file to exist: %v", err)
	}
	if _, err := os.Stat(f.PartialPath()); !os.IsNotExist(err) {
		t.Error("Expected partial file to be gone after complete")
	}
}

func TestFile_CompleteFromQueuedFails(t *testing.T) {
	f := newTestFile(t)
	if err := f.Complete(); err == nil {
		t.Error("Expected complete from queued to fail")
	}
}

func TestFile_CancelDeletesPartialUnlessPinned(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Start(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "half")
	f.Cancel()

	if f.State() != StateCancelled {
		t.Errorf("Expected cancelled, got %s", f.State())
	}
	if _, err := os.Stat(f.PartialPath()); !os.IsNotExist(err) {
		t.Error("Expected partial file deleted on cancel")
	}

	pinned := newTestFile(t)
	pinned.Pin()
	if _, err := pinned.Start(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	writePartial(t, pinned, "half")
	pinned.Cancel()

	if _, err := os.Stat(pinned.PartialPath()); err != nil {
		t.Error("Cancelling a pinned file must never delete its backing file")
	}
}

func TestFile_CancelSignalsWorker(t *testing.T) {
	f := newTestFile(t)
	ctx, err := f.Start(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}

	f.Cancel()
	select {
	case <-ctx.Done():
	default:
		t.Error("Expected worker context cancelled")
	}
}

func TestFile_FailKeepsPartialForTransient(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Start(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "half")

	f.Fail(apperrors.NewTransientIOError("connection reset", nil))

	if f.State() != StateFailed {
		t.Errorf("Expected failed, got %s", f.State())
	}
	if _, err := os.Stat(f.PartialPath()); err != nil {
		t.Error("Expected partial retained for transient failure")
	}
	if f.ResumeOffset() != 4 {
		t.Errorf("Expected resume offset 4, got %d", f.ResumeOffset())
	}
}

func TestFile_FailDiscardsPartialForPermanent(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Start(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "half")

	f.Fail(apperrors.NewPermanentIOError("disk full", nil))

	if _, err := os.Stat(f.PartialPath()); !os.IsNotExist(err) {
		t.Error("Expected partial discarded for permanent failure")
	}
	if f.ResumeOffset() != 0 {
		t.Errorf("Expected resume offset 0, got %d", f.ResumeOffset())
	}
}

func TestFile_PauseKeepsPartial(t *testing.T) {
	f := newTestFile(t)
	ctx, err := f.Start(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "half")

	f.Pause()

	if f.State() != StatePaused {
		t.Errorf("Expected paused, got %s", f.State())
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("Expected pause to signal the worker")
	}
	if _, err := os.Stat(f.PartialPath()); err != nil {
		t.Error("Expected partial retained across pause")
	}
}

func TestFile_ProgressUnknownEstimate(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Start(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "some bytes")

	if _, known := f.Progress(); known {
		t.Error("Unknown estimate must report progress unavailable, not zero")
	}
}

func TestFile_ProgressFromPartialSize(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Start(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	writePartial(t, f, "12345")

	progress, known := f.Progress()
	if !known {
		t.Fatal("Expected known progress")
	}
	if progress != 0.5 {
		t.Errorf("Expected progress 0.5, got %f", progress)
	}
}
