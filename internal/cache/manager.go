package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/substream/substream-go/internal/catalog"
	apperrors "github.com/substream/substream-go/internal/errors"
	"github.com/substream/substream-go/internal/monitoring"
	"github.com/substream/substream-go/internal/network"
	"github.com/substream/substream-go/internal/store"
)

// ErrInsufficientSpace is returned by Evict when the target free space
// cannot be reached because no eligible files remain.
var ErrInsufficientSpace = errors.New("insufficient space: no evictable files remain")

// StreamSource resolves an entry ID to its media URL. The catalog REST
// client satisfies this.
type StreamSource interface {
	StreamURL(entryID string) string
}

// ManagerConfig holds the tunables for one cache manager.
type ManagerConfig struct {
	CacheDir            string
	ServerIdx           int
	ConcurrentDownloads int
	BandwidthLimitKBps  int
}

// Manager owns the download queue, the worker pool executing it, and the
// revision counter that invalidates dependent views. Queue mutations are
// linearized under the manager mutex and observed atomically through the
// revision.
type Manager struct {
	db       *sql.DB
	source   StreamSource
	transfer *network.Transfer
	pool     *workerPool
	logger   *zap.Logger
	config   ManagerConfig

	mu             sync.Mutex
	queue          []*File
	byEntry        map[string]*File
	currentPlaying *File
	online         bool

	revision atomic.Int64
}

// NewManager creates a cache manager for one server.
func NewManager(db *sql.DB, source StreamSource, config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		db:       db,
		source:   source,
		transfer: network.NewTransfer(nil, config.BandwidthLimitKBps),
		logger:   logger,
		config:   config,
		byEntry:  make(map[string]*File),
		online:   true,
	}
	m.pool = newWorkerPool(config.ConcurrentDownloads, m.download, logger)
	return m
}

// Start launches the worker pool and restores the persisted download
// index, so completed files and pins survive a restart.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx); err != nil {
		return err
	}
	return m.restoreIndex()
}

func (m *Manager) restoreIndex() error {
	records, err := store.ListDownloads(m.db, m.config.ServerIdx)
	if err != nil {
		return err
	}

	m.mu.Lock()

	var resumable []*File
	for _, rec := range records {
		entry := catalog.Entry{ID: rec.EntryID, SizeBytes: rec.TotalBytes}
		file := NewFile(entry, m.config.ServerIdx, m.config.CacheDir)
		if rec.Pinned {
			file.Pin()
		}
		if rec.State == StateComplete {
			file.markComplete(rec.Pinned)
		} else {
			resumable = append(resumable, file)
		}
		m.queue = append(m.queue, file)
		m.byEntry[rec.EntryID] = file
	}
	if len(records) > 0 {
		m.bumpLocked()
	}
	online := m.online
	m.mu.Unlock()

	// Downloads interrupted by the previous run pick up where they left
	// off; their partial files carry the resume offset.
	if online {
		for _, file := range resumable {
			m.pool.Submit(file)
		}
	}
	return nil
}

// Revision returns the current queue revision. A consumer holding a
// snapshot taken under an older revision must refresh it.
func (m *Manager) Revision() int64 {
	return m.revision.Load()
}

// bumpLocked increments the revision once per structural mutation batch.
func (m *Manager) bumpLocked() {
	rev := m.revision.Add(1)
	monitoring.QueueRevision.Set(float64(rev))
}

// Enqueue appends download files for entries in catalog order. The
// revision is bumped once for the whole batch so observers never see a
// partially appended queue.
func (m *Manager) Enqueue(entries []catalog.Entry, autoplayFirst bool) []*File {
	m.mu.Lock()

	var added []*File
	appended := 0
	for _, entry := range entries {
		if existing, ok := m.byEntry[entry.ID]; ok {
			added = append(added, existing)
			continue
		}
		file := NewFile(entry, m.config.ServerIdx, m.config.CacheDir)
		m.queue = append(m.queue, file)
		m.byEntry[entry.ID] = file
		added = append(added, file)
		appended++
	}
	if autoplayFirst && len(added) > 0 {
		m.currentPlaying = added[0]
	}
	// A batch of entries already present leaves the queue structurally
	// unchanged, so observers keep their snapshots.
	if appended > 0 {
		m.bumpLocked()
	}
	online := m.online
	m.mu.Unlock()

	for _, file := range added {
		switch file.State() {
		case StateQueued, StatePaused, StateFailed:
			m.persist(file)
			if online {
				m.pool.Submit(file)
			}
		}
	}
	return added
}

// ClearIncomplete removes every non-complete, non-pinned file from the
// queue, used when switching the active server since in-flight work
// references the old server's URLs.
func (m *Manager) ClearIncomplete() {
	m.mu.Lock()

	var kept []*File
	var dropped []*File
	for _, file := range m.queue {
		state, pinned := file.snapshotState()
		if state == StateComplete || pinned {
			kept = append(kept, file)
			continue
		}
		dropped = append(dropped, file)
		delete(m.byEntry, file.Entry.ID)
	}
	m.queue = kept
	if m.currentPlaying != nil {
		if _, ok := m.byEntry[m.currentPlaying.Entry.ID]; !ok {
			m.currentPlaying = nil
		}
	}
	m.bumpLocked()
	m.mu.Unlock()

	m.pool.Drain()
	for _, file := range dropped {
		file.Cancel()
	}
	if err := store.DeleteIncompleteDownloads(m.db, m.config.ServerIdx); err != nil {
		m.logger.Warn("failed to prune download index", zap.Error(err))
	}
}

// SetOnline switches the manager between online and offline behavior.
// Going offline pauses active downloads without discarding partial files;
// coming back online resumes everything resumable.
func (m *Manager) SetOnline(goingOnline bool) {
	m.mu.Lock()
	if m.online == goingOnline {
		m.mu.Unlock()
		return
	}
	m.online = goingOnline
	files := make([]*File, len(m.queue))
	copy(files, m.queue)
	m.mu.Unlock()

	if !goingOnline {
		m.pool.Drain()
		for _, file := range files {
			file.Pause()
			m.persist(file)
		}
		return
	}

	for _, file := range files {
		switch file.State() {
		case StateQueued, StatePaused, StateFailed:
			m.pool.Submit(file)
		}
	}
}

// Evict removes least-recently-played complete files until the target
// free space is reached. Pinned and in-flight files are never touched.
// Returns ErrInsufficientSpace when eligible files run out first.
func (m *Manager) Evict(targetFreeBytes int64) error {
	free, err := store.FreeBytes(m.config.CacheDir)
	if err != nil {
		return err
	}
	if free >= targetFreeBytes {
		return nil
	}

	candidates, err := store.ListEvictable(m.db, m.config.ServerIdx)
	if err != nil {
		return err
	}

	for _, rec := range candidates {
		if free >= targetFreeBytes {
			break
		}

		m.mu.Lock()
		file, inQueue := m.byEntry[rec.EntryID]
		m.mu.Unlock()
		if inQueue {
			state, pinned := file.snapshotState()
			if pinned || state == StateDownloading {
				continue
			}
		}

		path := rec.CompletePath
		if inQueue {
			path = file.CompletePath()
		}
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to evict file",
				zap.String("entry", rec.EntryID),
				zap.Error(err))
			continue
		}
		if err := store.DeleteDownload(m.db, m.config.ServerIdx, rec.EntryID); err != nil {
			m.logger.Warn("failed to prune evicted download", zap.Error(err))
		}

		if inQueue {
			m.mu.Lock()
			delete(m.byEntry, rec.EntryID)
			for i, queued := range m.queue {
				if queued == file {
					m.queue = append(m.queue[:i], m.queue[i+1:]...)
					break
				}
			}
			m.bumpLocked()
			m.mu.Unlock()
		}

		free += size
		monitoring.EvictionsTotal.Inc()
	}

	m.updateUsedBytes()
	if free < targetFreeBytes {
		return ErrInsufficientSpace
	}
	return nil
}

// Snapshot returns a copy of the queue, valid only against the revision
// it was taken under.
func (m *Manager) Snapshot() []*File {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]*File, len(m.queue))
	copy(snapshot, m.queue)
	return snapshot
}

// ForEntry returns the download file for an entry, or nil.
func (m *Manager) ForEntry(entryID string) *File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEntry[entryID]
}

// CurrentPlaying returns the file the player is positioned on, or nil.
func (m *Manager) CurrentPlaying() *File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPlaying
}

// SetCurrentPlaying moves the playing reference to an enqueued entry.
func (m *Manager) SetCurrentPlaying(entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.byEntry[entryID]; ok {
		m.currentPlaying = file
	}
}

// Pin marks an entry's file for permanent retention.
func (m *Manager) Pin(entryID string) {
	if file := m.ForEntry(entryID); file != nil {
		file.Pin()
		m.persist(file)
	}
}

// Unpin makes an entry's file evictable again.
func (m *Manager) Unpin(entryID string) {
	if file := m.ForEntry(entryID); file != nil {
		file.Unpin()
		m.persist(file)
	}
}

// MarkPlayed records a playback for least-recently-played eviction order.
func (m *Manager) MarkPlayed(entryID string) {
	if err := store.TouchLastPlayed(m.db, m.config.ServerIdx, entryID, time.Now().UTC()); err != nil {
		m.logger.Warn("failed to record playback", zap.Error(err))
	}
}

// Stop shuts the worker pool down. Active downloads are paused so their
// partial files survive for the next start.
func (m *Manager) Stop() {
	m.pool.Stop()
}

// download is the worker handler for one file. Errors stay contained to
// the file; the pool and the other workers are never aborted by them.
func (m *Manager) download(ctx context.Context, file *File) error {
	workerCtx, err := file.Start(ctx, file.Entry.SizeBytes)
	if err != nil {
		return err
	}
	m.persist(file)

	monitoring.ActiveDownloads.Inc()
	defer monitoring.ActiveDownloads.Dec()
	startedAt := time.Now()

	streamURL := m.source.StreamURL(file.Entry.ID)

	offset := file.ResumeOffset()
	if offset > 0 {
		ok, _, probeErr := m.transfer.SupportsResume(workerCtx, streamURL, nil)
		if probeErr != nil || !ok {
			if err := file.TruncatePartial(); err != nil {
				file.Fail(err)
				m.persist(file)
				return err
			}
			offset = 0
		}
	}

	dst, err := m.openPartial(file, offset)
	if err != nil {
		file.Fail(err)
		m.persist(file)
		monitoring.RecordDownloadFinished(StateFailed, time.Since(startedAt))
		return err
	}

	result, fetchErr := m.transfer.Fetch(workerCtx, &network.FetchRequest{
		URL:    streamURL,
		Offset: offset,
	}, dst)
	dst.Close()

	if fetchErr != nil {
		// Pause and cancel show up here as context errors; the state
		// transition already happened on the other side.
		if workerCtx.Err() != nil {
			m.persist(file)
			return nil
		}
		file.Fail(fetchErr)
		m.persist(file)
		monitoring.RecordDownloadFinished(StateFailed, time.Since(startedAt))
		m.logger.Warn("download failed",
			zap.String("entry", file.Entry.ID),
			zap.Error(fetchErr))
		return fetchErr
	}

	if err := file.Complete(); err != nil {
		m.persist(file)
		return err
	}
	m.persist(file)
	m.updateUsedBytes()
	monitoring.RecordDownloadFinished(StateComplete, time.Since(startedAt))

	if err := store.AddHistory(m.db, m.config.ServerIdx, file.Entry.ID, file.Entry.Title, result.Written); err != nil {
		m.logger.Warn("failed to record download history", zap.Error(err))
	}
	return nil
}

func (m *Manager) openPartial(file *File, offset int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Join(m.config.CacheDir, "partial"), 0755); err != nil {
		return nil, apperrors.NewPermanentIOError("failed to create partial directory", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(file.PartialPath(), flags, 0644)
	if err != nil {
		return nil, apperrors.NewPermanentIOError("failed to open partial file", err)
	}
	return f, nil
}

// persist writes the file's current state to the download index.
func (m *Manager) persist(file *File) {
	state, pinned := file.snapshotState()
	rec := &store.DownloadRecord{
		ServerIdx:       m.config.ServerIdx,
		EntryID:         file.Entry.ID,
		State:           state,
		Pinned:          pinned,
		PartialPath:     file.PartialPath(),
		CompletePath:    file.CompletePath(),
		BytesDownloaded: file.ResumeOffset(),
		TotalBytes:      file.Entry.SizeBytes,
	}
	if state == StateComplete {
		// Keep the original completion time if one is already recorded,
		// it is the eviction fallback for files never played.
		if prev, err := store.GetDownload(m.db, m.config.ServerIdx, file.Entry.ID); err == nil && prev != nil && prev.CompletedAt != nil {
			rec.CompletedAt = prev.CompletedAt
		} else {
			now := time.Now().UTC()
			rec.CompletedAt = &now
		}
		if info, err := os.Stat(file.CompletePath()); err == nil {
			rec.BytesDownloaded = info.Size()
		}
	}
	if err := store.SaveDownload(m.db, rec); err != nil {
		m.logger.Warn("failed to persist download state",
			zap.String("entry", file.Entry.ID),
			zap.Error(err))
	}
}

func (m *Manager) updateUsedBytes() {
	if _, total, err := store.UsedBytes(m.config.CacheDir); err == nil {
		monitoring.CacheUsedBytes.Set(float64(total))
	}
}
