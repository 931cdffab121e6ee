package downloader

import (
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tahmil/tahmil/utils"
)

const eventBufferSize = 1024

// Manager owns the item registry, the bounded worker pool, and the event
// contract. Registry mutation is serialized by one mutex; callers and worker
// callbacks may invoke methods from any goroutine. Events are fanned out by
// a single dispatch goroutine so subscribers observe each item's transitions
// in mutation order.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client
	store  Store

	mu          sync.Mutex
	items       map[int64]*Item
	order       []int64
	workers     map[int64]*worker
	nextLocalID int64

	pauseAllFlag  atomic.Bool
	cancelAllFlag atomic.Bool

	events       chan Event
	subsMu       sync.RWMutex
	subs         map[uuid.UUID]func(Event)
	dispatchDone chan struct{}
	closed       atomic.Bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewManager builds a manager from cfg. Requesting history without a store
// is a construction-time error, not a deferred one.
func NewManager(cfg Config) (*Manager, error) {
	if (cfg.SaveHistory || cfg.LoadHistory) && cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	cfg = cfg.withDefaults()
	client := cfg.Client
	if client == nil {
		client = utils.NewHTTPClient(utils.HTTPClientConfig{
			Timeout:   cfg.Timeout,
			KATimeout: cfg.KATimeout,
			UserAgent: cfg.UserAgent,
		})
	}
	m := &Manager{
		cfg:          cfg,
		log:          utils.GetLogger("manager"),
		client:       client,
		store:        cfg.Store,
		items:        make(map[int64]*Item),
		workers:      make(map[int64]*worker),
		events:       make(chan Event, eventBufferSize),
		subs:         make(map[uuid.UUID]func(Event)),
		dispatchDone: make(chan struct{}),
		slots:        make(chan struct{}, cfg.MaxWorkers),
	}
	go m.dispatchEvents()
	if cfg.LoadHistory {
		m.loadHistory()
	}
	m.log.Debug().Int("maxWorkers", cfg.MaxWorkers).Bool("loadHistory", cfg.LoadHistory).Bool("saveHistory", cfg.SaveHistory).Msg("Manager initialized")
	return m, nil
}

func (m *Manager) loadHistory() {
	items, err := m.store.All()
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to load download history")
		return
	}
	m.mu.Lock()
	for i := range items {
		item := items[i]
		m.items[item.ID] = &item
		m.order = append(m.order, item.ID)
		if item.ID > m.nextLocalID {
			m.nextLocalID = item.ID
		}
	}
	m.mu.Unlock()
	m.log.Info().Int("count", len(items)).Msg("Loaded download items from history")
}

// Subscribe registers an event callback and returns a token for Unsubscribe.
// Callbacks run on the dispatch goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) uuid.UUID {
	token := uuid.New()
	m.subsMu.Lock()
	m.subs[token] = fn
	m.subsMu.Unlock()
	return token
}

func (m *Manager) Unsubscribe(token uuid.UUID) {
	m.subsMu.Lock()
	delete(m.subs, token)
	m.subsMu.Unlock()
}

func (m *Manager) dispatchEvents() {
	defer close(m.dispatchDone)
	for ev := range m.events {
		m.subsMu.RLock()
		for _, fn := range m.subs {
			fn(ev)
		}
		m.subsMu.RUnlock()
	}
}

// emit never blocks; events are fire-and-forget and a saturated subscriber
// sheds load rather than stalling a transfer.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Msg("Event buffer full, dropping event")
	}
}

// Add registers one item per request with PENDING status and zeroed counters,
// batch-persists them for durable ids, and emits a single AddedEvent. On a
// store failure ids fall back to a local counter and memory stays
// authoritative.
func (m *Manager) Add(requests []Request, folder string) ([]Item, error) {
	if len(requests) == 0 {
		return nil, ErrInvalidRequest
	}
	now := time.Now()
	newItems := make([]Item, 0, len(requests))
	for _, req := range requests {
		if req.URL == "" {
			return nil, ErrInvalidRequest
		}
		newItems = append(newItems, Item{
			URL:        req.URL,
			Filename:   req.filename(),
			FolderPath: folder,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
			Extra:      req.Extra,
		})
	}

	if m.store != nil && m.cfg.SaveHistory {
		ids, err := m.store.UpsertMany(newItems)
		if err != nil || len(ids) != len(newItems) {
			m.log.Error().Err(err).Msg("Batch persist failed, falling back to local ids")
		} else {
			for i := range newItems {
				newItems[i].ID = ids[i]
			}
		}
	}

	m.mu.Lock()
	for i := range newItems {
		if newItems[i].ID == 0 {
			m.nextLocalID++
			newItems[i].ID = m.nextLocalID
		} else if newItems[i].ID > m.nextLocalID {
			m.nextLocalID = newItems[i].ID
		}
		item := newItems[i]
		m.items[item.ID] = &item
		m.order = append(m.order, item.ID)
	}
	added := make([]Item, len(newItems))
	for i := range newItems {
		added[i] = newItems[i].Clone()
	}
	m.emit(AddedEvent{Items: added})
	m.mu.Unlock()

	m.log.Info().Int("count", len(added)).Str("folder", folder).Msg("Added new download items")
	return added, nil
}

// AddURL adds a single download with optional opaque attributes.
func (m *Manager) AddURL(url, folder string, extra map[string]string) (Item, error) {
	items, err := m.Add([]Request{{URL: url, Extra: extra}}, folder)
	if err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// Start dispatches every PENDING item without a live worker onto the pool.
// Other statuses need an explicit resume or restart.
func (m *Manager) Start() {
	m.log.Info().Msg("Starting downloading process")
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		item := m.items[id]
		if item.Status != StatusPending {
			continue
		}
		if _, live := m.workers[id]; live {
			continue
		}
		m.dispatchLocked(item)
	}
}

// dispatchLocked creates and launches a worker; the caller holds m.mu.
// Dispatching opens a new cancellation scope, so a stale bulk-cancel flag is
// cleared here.
func (m *Manager) dispatchLocked(item *Item) {
	m.cancelAllFlag.Store(false)
	w := newWorker(m, item)
	m.workers[item.ID] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// a queued worker must stay cancellable: a Delete or CancelAll on an
		// item that never reached a slot cannot wait for one to free up
		select {
		case m.slots <- struct{}{}:
			w.run()
			<-m.slots
		case <-w.ctx.Done():
			w.abort()
		}
		m.mu.Lock()
		if m.workers[item.ID] == w {
			delete(m.workers, item.ID)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) liveWorker(id int64) (*worker, *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[id], m.items[id]
}

// Pause suspends a running download at its next chunk boundary.
func (m *Manager) Pause(id int64) error {
	w, item := m.liveWorker(id)
	if item == nil {
		m.log.Warn().Int64("id", id).Msg("Pause requested for unknown download")
		return ErrUnknownID
	}
	if w == nil {
		m.log.Debug().Int64("id", id).Msg("Pause requested but no live worker")
		return nil
	}
	w.pause()
	return nil
}

// Resume unblocks a paused worker, or dispatches a fresh one when the pause
// happened before a process restart. Finished downloads are left alone.
func (m *Manager) Resume(id int64) error {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn().Int64("id", id).Msg("Resume requested for unknown download")
		return ErrUnknownID
	}
	if w := m.workers[id]; w != nil {
		m.mu.Unlock()
		w.resume()
		return nil
	}
	switch item.Status {
	case StatusPaused, StatusPending, StatusError:
		item.Status = StatusPending
		item.UpdatedAt = time.Now()
		m.dispatchLocked(item)
		m.mu.Unlock()
	default:
		status := item.Status
		m.mu.Unlock()
		m.log.Warn().Int64("id", id).Str("status", status.String()).Msg("Resume ignored, download is not resumable")
	}
	return nil
}

// Cancel abandons a download; its temp file is deleted, not kept. Cancelling
// an already finished download is a logged no-op.
func (m *Manager) Cancel(id int64) error {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn().Int64("id", id).Msg("Cancel requested for unknown download")
		return ErrUnknownID
	}
	if w := m.workers[id]; w != nil {
		m.mu.Unlock()
		w.cancel()
		return nil
	}
	if item.Status.IsTerminal() {
		status := item.Status
		m.mu.Unlock()
		m.log.Warn().Int64("id", id).Str("status", status.String()).Msg("Cancel ignored, download already finished")
		return nil
	}
	tempPath := item.TempPath()
	m.mu.Unlock()
	m.onStatus(id, StatusCancelled)
	removeFileWithRetry(tempPath, m.log)
	return nil
}

func (m *Manager) allPaused() bool    { return m.pauseAllFlag.Load() }
func (m *Manager) allCancelled() bool { return m.cancelAllFlag.Load() }

func (m *Manager) liveWorkers() []*worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	return ws
}

// PauseAll persists a bulk active→paused flip and signals every live worker.
func (m *Manager) PauseAll() {
	m.log.Info().Msg("Pausing all downloads")
	m.persistStatusBulk([]Status{StatusPending, StatusDownloading}, StatusPaused)
	m.pauseAllFlag.Store(true)
	m.mu.Lock()
	for _, id := range m.order {
		item := m.items[id]
		if item.Status == StatusPending && m.workers[id] == nil {
			item.Status = StatusPaused
			item.UpdatedAt = time.Now()
			m.emit(StatusEvent{ID: id, Status: StatusPaused})
		}
	}
	m.mu.Unlock()
	for _, w := range m.liveWorkers() {
		w.pause()
	}
}

// ResumeAll returns every paused item to a startable state and unblocks live
// workers.
func (m *Manager) ResumeAll() {
	m.log.Info().Msg("Resuming all downloads")
	m.persistStatusBulk([]Status{StatusPaused}, StatusPending)
	m.pauseAllFlag.Store(false)
	live := map[int64]bool{}
	m.mu.Lock()
	for id := range m.workers {
		live[id] = true
	}
	for _, id := range m.order {
		item := m.items[id]
		if item.Status == StatusPaused && !live[id] {
			item.Status = StatusPending
			item.UpdatedAt = time.Now()
			m.emit(StatusEvent{ID: id, Status: StatusPending})
		}
	}
	m.mu.Unlock()
	for _, w := range m.liveWorkers() {
		w.resume()
	}
}

// CancelAll signals every worker to stop. With updateMemory the registry and
// store flip active statuses to CANCELLED; without it only the signal is
// sent, which Shutdown uses so a later process still finds resumable rows.
// shutdown additionally force-wakes PAUSED workers, which are parked and
// would never poll a cancel flag.
func (m *Manager) CancelAll(updateMemory, shutdown bool) {
	m.log.Info().Bool("shutdown", shutdown).Msg("Cancelling all downloads")
	if updateMemory {
		m.persistStatusBulk([]Status{StatusPending, StatusDownloading, StatusPaused}, StatusCancelled)
		var tempPaths []string
		m.mu.Lock()
		for _, id := range m.order {
			item := m.items[id]
			if (item.Status == StatusPending || item.Status == StatusPaused) && m.workers[id] == nil {
				item.Status = StatusCancelled
				item.UpdatedAt = time.Now()
				m.emit(StatusEvent{ID: id, Status: StatusCancelled})
				tempPaths = append(tempPaths, item.TempPath())
			}
		}
		m.mu.Unlock()
		// removal retries can sleep; never under the registry lock
		for _, path := range tempPaths {
			removeFileWithRetry(path, m.log)
		}
	}
	m.cancelAllFlag.Store(true)
	for _, w := range m.liveWorkers() {
		w.cancel()
		if shutdown {
			w.forceStop()
		}
	}
	m.mu.Lock()
	m.emit(CancelledAllEvent{})
	m.mu.Unlock()
}

// Restart re-queues an item as PENDING while keeping its byte counters, so
// the fresh worker resumes from the partial temp file.
func (m *Manager) Restart(id int64) error {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn().Int64("id", id).Msg("Restart requested for unknown download")
		return ErrUnknownID
	}
	if m.workers[id] != nil {
		m.mu.Unlock()
		m.log.Debug().Int64("id", id).Msg("Restart skipped, worker still live")
		return nil
	}
	item.Status = StatusPending
	item.UpdatedAt = time.Now()
	m.emit(StatusEvent{ID: id, Status: StatusPending})
	m.dispatchLocked(item)
	m.mu.Unlock()
	m.persistStatus(id, StatusPending)
	return nil
}

// RestartAll re-queues every recoverable item (not completed, not running).
func (m *Manager) RestartAll() {
	m.mu.Lock()
	var ids []int64
	for _, id := range m.order {
		item := m.items[id]
		if item.Status == StatusCompleted || item.Status == StatusDownloading {
			continue
		}
		if m.workers[id] != nil {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Restart(id); err != nil {
			m.log.Warn().Err(err).Int64("id", id).Msg("Restart failed")
		}
	}
}

// Delete cancels any live worker, waits for it to release the file handle,
// removes the persisted row and optionally the destination file, then drops
// the record. Missing files are not errors.
func (m *Manager) Delete(id int64, deleteFile bool) error {
	w, item := m.liveWorker(id)
	if item == nil {
		m.log.Warn().Int64("id", id).Msg("Delete requested for unknown download")
		return ErrUnknownID
	}
	if w != nil {
		w.cancel()
		w.forceStop()
		w.wait()
	}
	if m.store != nil && m.cfg.SaveHistory {
		if err := m.store.Delete(id); err != nil {
			m.log.Error().Err(err).Int64("id", id).Msg("Failed to delete persisted row")
		}
	}
	if deleteFile {
		removeFileWithRetry(item.FinalPath(), m.log)
		removeFileWithRetry(item.TempPath(), m.log)
	}
	m.mu.Lock()
	delete(m.items, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.emit(DeletedEvent{ID: id})
	m.mu.Unlock()
	m.log.Info().Int64("id", id).Msg("Deleted download")
	return nil
}

// DeleteByStatus deletes every item whose status matches any of statuses.
func (m *Manager) DeleteByStatus(statuses ...Status) {
	for _, item := range m.Downloads(statuses...) {
		if err := m.Delete(item.ID, true); err != nil {
			m.log.Warn().Err(err).Int64("id", item.ID).Msg("Delete failed")
		}
	}
}

// DeleteAll empties the registry and the store, optionally unlinking every
// destination file, and emits exactly one ClearedEvent.
func (m *Manager) DeleteAll(deleteFiles bool) {
	for _, w := range m.liveWorkers() {
		w.cancel()
		w.forceStop()
	}
	for _, w := range m.liveWorkers() {
		w.wait()
	}
	if m.store != nil && m.cfg.SaveHistory {
		if err := m.store.DeleteAll(); err != nil {
			m.log.Error().Err(err).Msg("Failed to clear persisted rows")
		}
	}
	m.mu.Lock()
	if deleteFiles {
		for _, item := range m.items {
			removeFileWithRetry(item.FinalPath(), m.log)
			removeFileWithRetry(item.TempPath(), m.log)
		}
	}
	m.items = make(map[int64]*Item)
	m.order = nil
	m.emit(ClearedEvent{})
	m.mu.Unlock()
	m.log.Info().Msg("All downloads deleted")
}

// Get returns a snapshot of one item.
func (m *Manager) Get(id int64) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return Item{}, false
	}
	return item.Clone(), true
}

// Downloads returns snapshots filtered by status, in registry insertion
// order. No filter means all items.
func (m *Manager) Downloads(statuses ...Status) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Item
	for _, id := range m.order {
		item := m.items[id]
		if len(statuses) == 0 {
			result = append(result, item.Clone())
			continue
		}
		for _, s := range statuses {
			if item.Status == s {
				result = append(result, item.Clone())
				break
			}
		}
	}
	return result
}

// HasActive reports whether any item is PENDING or DOWNLOADING.
func (m *Manager) HasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Status.IsActive() {
			return true
		}
	}
	return false
}

// ResumeInterrupted is the crash-recovery entry point: items persisted as
// DOWNLOADING mean the previous process died mid-transfer. They are demoted
// to PENDING with byte counters intact, then dispatched.
func (m *Manager) ResumeInterrupted() {
	m.persistStatusBulk([]Status{StatusDownloading}, StatusPending)
	m.mu.Lock()
	count := 0
	for _, id := range m.order {
		item := m.items[id]
		if item.Status == StatusDownloading && m.workers[id] == nil {
			item.Status = StatusPending
			item.UpdatedAt = time.Now()
			m.emit(StatusEvent{ID: id, Status: StatusPending})
			count++
		}
	}
	m.mu.Unlock()
	if count > 0 {
		m.log.Info().Int("count", count).Msg("Recovered interrupted downloads")
	}
	m.Start()
}

// WaitIdle blocks until every dispatched worker has finished.
func (m *Manager) WaitIdle() {
	m.wg.Wait()
}

// Close shuts the manager down: workers are force-stopped without flipping
// persisted statuses or touching temp files (so a later process can resume),
// then the event loop drains and exits.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range m.liveWorkers() {
		w.forceStop()
	}
	m.wg.Wait()
	close(m.events)
	<-m.dispatchDone
}

// worker callback surface; the single writer to the registry is always the
// manager itself.

func (m *Manager) onProgress(p Progress) {
	m.mu.Lock()
	if item, ok := m.items[p.DownloadID]; ok {
		item.DownloadedBytes = p.DownloadedBytes
		item.TotalBytes = p.TotalBytes
	}
	m.emit(ProgressEvent{Progress: p})
	m.mu.Unlock()
}

func (m *Manager) onStatus(id int64, status Status) {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn().Int64("id", id).Str("status", status.String()).Msg("Status update for unknown download")
		return
	}
	item.Status = status
	item.UpdatedAt = time.Now()
	m.emit(StatusEvent{ID: id, Status: status})
	m.mu.Unlock()
	m.persistStatus(id, status)
}

func (m *Manager) onError(id int64, message string) {
	m.log.Error().Int64("id", id).Str("error", message).Msg("Download error")
	m.mu.Lock()
	m.emit(ErrorEvent{ID: id, Message: message})
	m.mu.Unlock()
}

func (m *Manager) onTotalSize(id int64, totalBytes int64) {
	m.mu.Lock()
	if item, ok := m.items[id]; ok {
		item.TotalBytes = totalBytes
	}
	m.mu.Unlock()
}

// persistCounters saves byte counters at the worker's coalescing cadence.
// Status is deliberately left alone: a pause or cancel signalled between the
// chunk write and this call must not be reordered behind a progress tick.
func (m *Manager) persistCounters(id, downloaded, totalBytes int64) {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	item.DownloadedBytes = downloaded
	item.TotalBytes = totalBytes
	item.UpdatedAt = time.Now()
	snapshot := item.Clone()
	m.mu.Unlock()
	if m.store != nil && m.cfg.SaveHistory {
		if _, err := m.store.Upsert(snapshot); err != nil {
			m.log.Error().Err(err).Int64("id", id).Msg("Failed to persist progress")
		}
	}
}

// onCompleted finalizes a successful transfer: counters, optional content
// hash, COMPLETED status, finished event.
func (m *Manager) onCompleted(id, downloaded, totalBytes int64, path string) {
	var hash string
	if m.cfg.HashOnComplete {
		h, err := utils.HashFile(path)
		if err != nil {
			m.log.Warn().Err(err).Int64("id", id).Msg("Failed to hash completed file")
		} else {
			hash = h
		}
	}
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	item.DownloadedBytes = downloaded
	item.TotalBytes = totalBytes
	item.Status = StatusCompleted
	item.FileHash = hash
	item.UpdatedAt = time.Now()
	snapshot := item.Clone()
	m.emit(StatusEvent{ID: id, Status: StatusCompleted})
	m.emit(FinishedEvent{ID: id, Path: path})
	m.mu.Unlock()
	if m.store != nil && m.cfg.SaveHistory {
		if _, err := m.store.Upsert(snapshot); err != nil {
			m.log.Error().Err(err).Int64("id", id).Msg("Failed to persist completion")
		}
	}
}

func (m *Manager) persistStatus(id int64, status Status) {
	if m.store == nil || !m.cfg.SaveHistory {
		return
	}
	if err := m.store.UpdateStatus(id, status); err != nil {
		m.log.Error().Err(err).Int64("id", id).Msg("Failed to persist status")
	}
}

func (m *Manager) persistStatusBulk(from []Status, to Status) {
	if m.store == nil || !m.cfg.SaveHistory {
		return
	}
	if err := m.store.UpdateStatusBulk(from, to); err != nil {
		m.log.Error().Err(err).Str("to", to.String()).Msg("Failed to persist bulk status update")
	}
}

// removeFileWithRetry unlinks best-effort; a file briefly held by another
// process gets a few retries instead of a fatal error.
func removeFileWithRetry(path string, log zerolog.Logger) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	for attempt := 0; attempt < 10; attempt++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("Deleted file")
			return
		}
		time.Sleep(tempDeleteRetryInterval)
	}
	log.Warn().Str("path", path).Msg("Could not delete file")
}
