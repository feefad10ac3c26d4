package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/substream/substream-go/internal/catalog"
	apperrors "github.com/substream/substream-go/internal/errors"
)

// Download states.
const (
	StateQueued      = "queued"
	StateDownloading = "downloading"
	StatePaused      = "paused"
	StateComplete    = "complete"
	StateCancelled   = "cancelled"
	StateFailed      = "failed"
)

// ErrAlreadyActive is returned when a second worker tries to start a file
// that another worker is already writing.
var ErrAlreadyActive = errors.New("download already active")

// File is the on-device materialization of one catalog entry. All state
// transitions are serialized through the file's own mutex; workers never
// share write access to a partial file.
type File struct {
	Entry     catalog.Entry
	ServerIdx int

	mu            sync.Mutex
	state         string
	pinned        bool
	partialPath   string
	completePath  string
	estimatedSize int64
	cancel        context.CancelFunc
}

// NewFile creates a queued download for an entry. Paths are derived from
// the entry ID so re-queueing an entry always finds its previous files.
func NewFile(entry catalog.Entry, serverIdx int, cacheDir string) *File {
	suffix := entry.Suffix
	if suffix == "" {
		suffix = "mp3"
	}
	base := fmt.Sprintf("%s.%s", entry.ID, suffix)
	return &File{
		Entry:        entry,
		ServerIdx:    serverIdx,
		state:        StateQueued,
		partialPath:  filepath.Join(cacheDir, "partial", base),
		completePath: filepath.Join(cacheDir, "complete", base),
	}
}

// State returns the current download state.
func (f *File) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Pinned reports whether the file is exempt from eviction.
func (f *File) Pinned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned
}

// PartialPath returns the in-progress file location.
func (f *File) PartialPath() string { return f.partialPath }

// CompletePath returns the finished file location.
func (f *File) CompletePath() string { return f.completePath }

// Start transitions the file to Downloading and returns a context the
// worker must check between chunk writes. A second Start while a worker
// owns the file fails with ErrAlreadyActive.
func (f *File) Start(ctx context.Context, estimatedSize int64) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateDownloading:
		return nil, ErrAlreadyActive
	case StateComplete:
		return nil, fmt.Errorf("download already complete")
	case StateCancelled:
		return nil, fmt.Errorf("download was cancelled")
	}

	f.state = StateDownloading
	f.estimatedSize = estimatedSize

	workerCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	return workerCtx, nil
}

// Progress returns the fraction downloaded. The second return is false
// when no estimate is known; an unknown estimate is not zero progress.
func (f *File) Progress() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateComplete {
		return 1, true
	}
	if f.estimatedSize <= 0 {
		return 0, false
	}

	info, err := os.Stat(f.partialPath)
	if err != nil {
		return 0, true
	}
	progress := float64(info.Size()) / float64(f.estimatedSize)
	if progress > 1 {
		progress = 1
	}
	return progress, true
}

// ResumeOffset returns the size of the existing partial file, which is the
// byte offset a range-capable transfer resumes from.
func (f *File) ResumeOffset() int64 {
	info, err := os.Stat(f.partialPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// TruncatePartial discards partial progress before a from-zero restart.
func (f *File) TruncatePartial() error {
	if err := os.Remove(f.partialPath); err != nil && !os.IsNotExist(err) {
		return apperrors.NewPermanentIOError("failed to truncate partial file", err)
	}
	return nil
}

// Complete transitions Downloading to Complete, renaming the partial file
// into place. The rename is atomic so a reader never observes both a
// partial and a complete file for the entry.
func (f *File) Complete() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateDownloading {
		return fmt.Errorf("cannot complete from state %s", f.state)
	}

	if err := os.MkdirAll(filepath.Dir(f.completePath), 0755); err != nil {
		return apperrors.NewPermanentIOError("failed to create complete directory", err)
	}
	if err := os.Rename(f.partialPath, f.completePath); err != nil {
		return apperrors.NewPermanentIOError("failed to finalize download", err)
	}

	f.state = StateComplete
	f.cancel = nil
	return nil
}

// Cancel moves any non-terminal state to Cancelled and signals the worker.
// The partial file is deleted unless the file is pinned.
func (f *File) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateComplete || f.state == StateCancelled {
		return
	}

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.state = StateCancelled

	if !f.pinned {
		os.Remove(f.partialPath)
	}
}

// Pause stops an active download while keeping the partial file, used
// when the engine goes offline.
func (f *File) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateDownloading && f.state != StateQueued {
		return
	}

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.state = StatePaused
}

// Fail transitions Downloading to Failed. A transient error keeps the
// partial file for a resumable retry; a permanent one discards it.
func (f *File) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateDownloading {
		return
	}

	f.cancel = nil
	f.state = StateFailed

	if !apperrors.IsRetryable(err) {
		os.Remove(f.partialPath)
	}
}

// Pin marks the file for permanent retention.
func (f *File) Pin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = true
}

// Unpin clears retention; a Complete file becomes evictable again.
func (f *File) Unpin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = false
}

// markComplete restores a completed state from the persisted index
// without touching the filesystem.
func (f *File) markComplete(pinned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateComplete
	f.pinned = pinned
}

// snapshotState returns state and pinned under one lock acquisition.
func (f *File) snapshotState() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.pinned
}
