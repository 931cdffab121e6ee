package cmd

import (
	"fmt"
	"sync"
	"time"

	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/internal/session"
	"github.com/tahmil/tahmil/utils"
)

// display renders a live terminal view of the manager's downloads. It keeps
// its own snapshot updated from events and redraws on a ticker, rewinding the
// cursor over the previously printed block.
type display struct {
	mu       sync.Mutex
	manager  *downloader.Manager
	tracker  *session.Tracker
	progress map[int64]downloader.Progress
	errors   map[int64]string
	doneCh   chan struct{}
	stopOnce sync.Once
	numLines int
}

func newDisplay(m *downloader.Manager, tracker *session.Tracker) *display {
	return &display{
		manager:  m,
		tracker:  tracker,
		progress: make(map[int64]downloader.Progress),
		errors:   make(map[int64]string),
		doneCh:   make(chan struct{}),
	}
}

func (d *display) onEvent(ev downloader.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch e := ev.(type) {
	case downloader.ProgressEvent:
		d.progress[e.Progress.DownloadID] = e.Progress
	case downloader.ErrorEvent:
		d.errors[e.ID] = e.Message
	case downloader.DeletedEvent:
		delete(d.progress, e.ID)
		delete(d.errors, e.ID)
	case downloader.ClearedEvent:
		d.progress = make(map[int64]downloader.Progress)
		d.errors = make(map[int64]string)
	}
}

func (d *display) start() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.render()
			case <-d.doneCh:
				return
			}
		}
	}()
}

func (d *display) stop() {
	d.stopOnce.Do(func() { close(d.doneCh) })
	d.render()
}

func (d *display) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.numLines != 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}
	items := d.manager.Downloads()
	lines := 0
	for _, item := range items {
		name := item.Filename
		if len(name) > 28 {
			name = "..." + name[len(name)-25:]
		}
		symbol := utils.StatusStyle(string(item.Status)).Render(utils.StyleSymbols[styleKey(item.Status)])
		switch item.Status {
		case downloader.StatusDownloading:
			p, ok := d.progress[item.ID]
			if !ok {
				p = *downloader.NewProgress(item.ID, item.DownloadedBytes, item.TotalBytes)
			}
			bar := utils.ProgressBar(p.DownloadedBytes, p.TotalBytes, 30)
			fmt.Printf("%s %s %s %s/%s %s ETA: %s\n", symbol, name, bar,
				p.DownloadedString(), p.TotalString(), p.SpeedString(), p.ETAString())
		case downloader.StatusError:
			msg := d.errors[item.ID]
			fmt.Printf("%s %s %s\n", symbol, name, utils.StatusStyle("error").Render(msg))
		case downloader.StatusCompleted:
			fmt.Printf("%s %s %s\n", symbol, name, utils.FormatBytes(uint64(item.DownloadedBytes)))
		default:
			fmt.Printf("%s %s %s\n", symbol, name, item.Status)
		}
		lines++
	}
	if d.tracker != nil && d.tracker.Total() > 0 {
		fmt.Printf("Session: %d/%d (%d%%)\n", d.tracker.Completed(), d.tracker.Total(), d.tracker.Percentage())
		lines++
	}
	d.numLines = lines
}

func styleKey(status downloader.Status) string {
	switch status {
	case downloader.StatusCompleted:
		return "pass"
	case downloader.StatusError:
		return "fail"
	case downloader.StatusPaused, downloader.StatusCancelled:
		return "warning"
	case downloader.StatusDownloading:
		return "pending"
	default:
		return "bullet"
	}
}
