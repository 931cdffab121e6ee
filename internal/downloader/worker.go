package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tahmil/tahmil/utils"
)

const tempDeleteRetryInterval = 100 * time.Millisecond

// worker executes exactly one item's transfer: resumable GET into a .part
// file, cooperative pause/cancel at chunk boundaries, atomic rename on
// completion. All registry mutation goes through the manager's callback
// surface, never through the item directly.
type worker struct {
	m   *Manager
	log zerolog.Logger

	id        int64
	url       string
	finalPath string
	tempPath  string
	folder    string

	client       *http.Client
	chunkSize    int
	progressStep int
	userAgent    string

	// ctx is cancelled by both cancel and forceStop so a transfer blocked
	// inside a body read (stalled server) still unwinds. Pause never touches
	// it: a paused worker parks between reads with the request kept open.
	ctx  context.Context
	stop context.CancelFunc

	mu              sync.Mutex
	cond            *sync.Cond
	paused          bool
	cancelled       bool
	shutdown        bool
	resumeRequested bool
	running         bool
	done            chan struct{}
}

func newWorker(m *Manager, item *Item) *worker {
	w := &worker{
		m:            m,
		log:          utils.GetLogger("worker").With().Int64("id", item.ID).Logger(),
		id:           item.ID,
		url:          item.URL,
		finalPath:    item.FinalPath(),
		tempPath:     item.TempPath(),
		folder:       item.FolderPath,
		client:       m.client,
		chunkSize:    m.cfg.ChunkSize,
		progressStep: m.cfg.ProgressStep,
		userAgent:    m.cfg.UserAgent,
		done:         make(chan struct{}),
	}
	w.ctx, w.stop = context.WithCancel(context.Background())
	w.cond = sync.NewCond(&w.mu)
	return w
}

// run is the pool task. Any failure is converted to an ERROR status plus an
// error event before the task ends; nothing propagates across the pool
// boundary.
func (w *worker) run() {
	defer close(w.done)
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	// the worker may have been signalled while still queued for a pool slot
	if w.isCancelled() {
		w.m.onStatus(w.id, StatusCancelled)
		w.deleteTempFile()
		return
	}
	if w.isShutdown() {
		return
	}

	w.log.Debug().Str("url", w.url).Msg("Worker starting download")
	if err := w.download(); err != nil {
		w.log.Error().Err(err).Msg("Download failed")
		w.m.onStatus(w.id, StatusError)
		w.m.onError(w.id, err.Error())
	}
}

func (w *worker) download() error {
	if err := os.MkdirAll(w.folder, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %v", err)
	}

	var resumeOffset int64 = 0
	fileMode := os.O_CREATE | os.O_WRONLY
	if fileInfo, err := os.Stat(w.tempPath); err == nil {
		resumeOffset = fileInfo.Size()
		fileMode |= os.O_APPEND
		w.log.Debug().Str("file", filepath.Base(w.tempPath)).Int64("size", resumeOffset).Msg("Resuming incomplete download")
	} else {
		fileMode |= os.O_TRUNC
	}
	outFile, err := os.OpenFile(w.tempPath, fileMode, 0644)
	if err != nil {
		return fmt.Errorf("error creating output file: %v", err)
	}
	defer outFile.Close()

	req, err := http.NewRequestWithContext(w.ctx, "GET", w.url, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %v", err)
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
		w.log.Debug().Int64("resumeOffset", resumeOffset).Msg("Setting Range header for resume")
	}
	if w.userAgent != "" {
		req.Header.Set("User-Agent", w.userAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := w.client.Do(req)
	if err != nil {
		if stopped := w.handleSignalledError(); stopped {
			return nil
		}
		return fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()

	if resumeOffset > 0 && resp.StatusCode == http.StatusOK {
		// server ignored the range request; start over from zero
		w.log.Warn().Int("statusCode", resp.StatusCode).Msg("Server doesn't support resume, starting from beginning")
		outFile.Close()
		outFile, err = os.OpenFile(w.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("error creating output file: %v", err)
		}
		defer outFile.Close()
		resumeOffset = 0
	} else if resumeOffset > 0 && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	} else if resumeOffset == 0 && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	totalBytes := resumeOffset + resp.ContentLength
	if resp.ContentLength < 0 {
		totalBytes = 0 // unknown until the stream ends
	}
	downloaded := resumeOffset
	progress := NewProgress(w.id, downloaded, totalBytes)
	w.m.onTotalSize(w.id, totalBytes)
	w.m.onStatus(w.id, StatusDownloading)

	lastReported := progress.Percentage()
	buffer := make([]byte, w.chunkSize)
	for {
		// safe points: cancel and pause are honored between reads, never
		// mid-write
		if w.isCancelled() {
			w.log.Info().Msg("Download cancelled")
			w.m.onStatus(w.id, StatusCancelled)
			w.deleteTempFile()
			return nil
		}
		if w.isShutdown() {
			w.log.Debug().Msg("Shutdown, leaving temp file for resume")
			return nil
		}
		if stop := w.waitWhilePaused(progress); stop {
			return nil
		}

		bytesRead, err := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := outFile.Write(buffer[:bytesRead]); writeErr != nil {
				return fmt.Errorf("error writing to output file: %v", writeErr)
			}
			downloaded += int64(bytesRead)
			progress.Update(downloaded)
			percentage := progress.Percentage()
			// with an unknown total every tick reports, percent can't move
			if w.progressStep < 0 || totalBytes == 0 || percentage-lastReported >= w.progressStep || downloaded == totalBytes {
				lastReported = percentage
				w.m.onProgress(*progress)
				w.m.persistCounters(w.id, downloaded, totalBytes)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			// a cancelled request surfaces as a read error; don't report it
			// as a failed download
			if stopped := w.handleSignalledError(); stopped {
				return nil
			}
			return fmt.Errorf("error reading response body: %v", err)
		}
	}

	if w.isCancelled() {
		w.m.onStatus(w.id, StatusCancelled)
		w.deleteTempFile()
		return nil
	}
	// the stream may end before a final coalesced tick fired
	w.m.onProgress(*progress)
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("error closing output file: %v", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		return fmt.Errorf("error renaming (finalizing) output file: %v", err)
	}
	if totalBytes == 0 {
		totalBytes = downloaded
		w.m.onTotalSize(w.id, totalBytes)
	}
	w.log.Info().Int64("resumeOffset", resumeOffset).Int64("totalDownloaded", downloaded).Msg("Download completed")
	w.m.onCompleted(w.id, downloaded, totalBytes, w.finalPath)
	return nil
}

// waitWhilePaused parks the worker on the pause condition without burning
// CPU. It returns true when the worker must stop (cancel or shutdown arrived
// while parked).
func (w *worker) waitWhilePaused(progress *Progress) bool {
	w.mu.Lock()
	for w.paused || w.m.allPaused() {
		if w.cancelled || w.m.allCancelled() {
			w.mu.Unlock()
			w.m.onStatus(w.id, StatusCancelled)
			w.deleteTempFile()
			return true
		}
		if w.shutdown {
			w.mu.Unlock()
			return true
		}
		w.cond.Wait()
	}
	resumed := w.resumeRequested
	w.resumeRequested = false
	w.mu.Unlock()
	if resumed {
		progress.ResetStartTime()
	}
	return false
}

func (w *worker) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled || w.m.allCancelled()
}

func (w *worker) isShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

func (w *worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *worker) pause() {
	w.log.Debug().Msg("Pause requested")
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.m.onStatus(w.id, StatusPaused)
}

func (w *worker) resume() {
	w.log.Debug().Msg("Resume requested")
	w.mu.Lock()
	w.paused = false
	w.resumeRequested = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.m.onStatus(w.id, StatusDownloading)
}

func (w *worker) cancel() {
	w.log.Debug().Msg("Cancel requested")
	w.mu.Lock()
	w.cancelled = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.stop()
}

// forceStop wakes a parked worker and makes it exit without touching the
// temp file or the persisted status; a paused worker is blocked, not
// polling, and would never observe a plain flag. Used at shutdown so the
// next process can resume the transfer.
func (w *worker) forceStop() {
	w.mu.Lock()
	w.shutdown = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.stop()
}

// handleSignalledError classifies an HTTP error that arrived after a signal:
// the request context is cancelled by both cancel and forceStop, and the
// resulting read failure is the signal taking effect, not a transfer fault.
func (w *worker) handleSignalledError() bool {
	if w.isCancelled() {
		w.log.Info().Msg("Download cancelled")
		w.m.onStatus(w.id, StatusCancelled)
		w.deleteTempFile()
		return true
	}
	if w.isShutdown() {
		w.log.Debug().Msg("Shutdown, leaving temp file for resume")
		return true
	}
	return false
}

// abort finishes a worker that was signalled while still queued for a pool
// slot; run never executes, so the done channel is closed here.
func (w *worker) abort() {
	defer close(w.done)
	if w.isCancelled() {
		w.m.onStatus(w.id, StatusCancelled)
		w.deleteTempFile()
	}
}

// wait blocks until the pool task has returned and released the file handle.
func (w *worker) wait() {
	<-w.done
}

// deleteTempFile removes the partial file; cancellation means abandon, not
// pause. Deletion is retried briefly since another process may still hold
// the handle.
func (w *worker) deleteTempFile() {
	if _, err := os.Stat(w.tempPath); err != nil {
		return
	}
	for attempt := 0; attempt < 50; attempt++ {
		if err := os.Remove(w.tempPath); err == nil || os.IsNotExist(err) {
			w.log.Debug().Msg("Temp file deleted")
			return
		}
		time.Sleep(tempDeleteRetryInterval)
	}
	w.log.Warn().Str("path", w.tempPath).Msg("Could not delete temp file")
}
