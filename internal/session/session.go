// Package session aggregates completion progress across one or more download
// managers. It is a read-only consumer of manager events; pausing,
// cancelling, or erroring an item removes it from the forward-progress
// count.
package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/utils"
)

// Tracker summarizes one download session. total counts items currently
// PENDING, DOWNLOADING, or PAUSED across the watched managers; completed
// counts finished events since the last reset. When completed catches up
// with total the session is over and both reset to zero.
type Tracker struct {
	mu        sync.Mutex
	managers  []*downloader.Manager
	tokens    map[*downloader.Manager]uuid.UUID
	total     int
	completed int
	log       zerolog.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		tokens: make(map[*downloader.Manager]uuid.UUID),
		log:    utils.GetLogger("session"),
	}
}

// Watch subscribes the tracker to a manager and folds its current items into
// the session totals.
func (t *Tracker) Watch(m *downloader.Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tokens[m]; ok {
		return
	}
	t.managers = append(t.managers, m)
	t.tokens[m] = m.Subscribe(t.onEvent)
	t.recalculateLocked()
}

// Close unsubscribes from every watched manager.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for m, token := range t.tokens {
		m.Unsubscribe(token)
	}
	t.managers = nil
	t.tokens = make(map[*downloader.Manager]uuid.UUID)
}

func (t *Tracker) onEvent(ev downloader.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case downloader.FinishedEvent:
		t.completed++
		t.finishSessionIfDoneLocked()
	case downloader.StatusEvent:
		switch e.Status {
		case downloader.StatusPaused, downloader.StatusCancelled, downloader.StatusError:
			// no longer counts as forward progress
			t.recalculateLocked()
		case downloader.StatusPending:
			t.recalculateLocked()
		}
	case downloader.AddedEvent, downloader.DeletedEvent, downloader.ClearedEvent, downloader.CancelledAllEvent:
		t.recalculateLocked()
	}
}

// recalculateLocked recounts in-progress items across managers; completed is
// carried forward so the denominator is completed+in-progress.
func (t *Tracker) recalculateLocked() {
	inProgress := 0
	for _, m := range t.managers {
		inProgress += len(m.Downloads(
			downloader.StatusPending,
			downloader.StatusDownloading,
			downloader.StatusPaused,
		))
	}
	t.total = inProgress + t.completed
	t.finishSessionIfDoneLocked()
}

func (t *Tracker) finishSessionIfDoneLocked() {
	if t.total > 0 && t.completed >= t.total {
		t.log.Debug().Int("completed", t.completed).Msg("Session finished, resetting")
		t.completed = 0
		t.total = 0
	}
}

// Completed returns the finished count of the current session.
func (t *Tracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Total returns the session denominator (in-progress plus completed).
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Percentage is the session completion in the range 0-100.
func (t *Tracker) Percentage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 0
	}
	pct := t.completed * 100 / t.total
	return max(0, min(pct, 100))
}
