package downloader

import (
	"time"

	"github.com/tahmil/tahmil/utils"
)

// Progress tracks one in-flight transfer. It is created when a worker starts
// streaming and discarded when the item leaves the downloading state; after a
// pause the start time is rebased so speed and ETA describe only the active
// segment.
type Progress struct {
	DownloadID      int64
	DownloadedBytes int64
	TotalBytes      int64
	StartTime       time.Time

	// bytes already on disk when this segment started; excluded from speed
	baseBytes int64
}

func NewProgress(downloadID, downloadedBytes, totalBytes int64) *Progress {
	return &Progress{
		DownloadID:      downloadID,
		DownloadedBytes: downloadedBytes,
		TotalBytes:      totalBytes,
		StartTime:       time.Now(),
		baseBytes:       downloadedBytes,
	}
}

func (p *Progress) Update(downloadedBytes int64) {
	p.DownloadedBytes = downloadedBytes
}

// ResetStartTime rebases the measurement window, e.g. after resuming from a
// pause.
func (p *Progress) ResetStartTime() {
	p.StartTime = time.Now()
	p.baseBytes = p.DownloadedBytes
}

// Percentage is floored to a whole percent; 0 while the total is unknown.
func (p *Progress) Percentage() int {
	if p.TotalBytes == 0 {
		return 0
	}
	return int(float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100)
}

func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.StartTime)
}

// Speed is the average bytes/second of the current segment.
func (p *Progress) Speed() float64 {
	seconds := p.Elapsed().Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(p.DownloadedBytes-p.baseBytes) / seconds
}

// Remaining estimates time to completion; ok is false while the speed or the
// total is unknown.
func (p *Progress) Remaining() (time.Duration, bool) {
	speed := p.Speed()
	if speed <= 0 || p.TotalBytes == 0 {
		return 0, false
	}
	remainingBytes := p.TotalBytes - p.DownloadedBytes
	if remainingBytes < 0 {
		remainingBytes = 0
	}
	return time.Duration(float64(remainingBytes) / speed * float64(time.Second)), true
}

func (p *Progress) IsComplete() bool {
	return p.TotalBytes > 0 && p.DownloadedBytes >= p.TotalBytes
}

func (p *Progress) DownloadedString() string {
	return utils.FormatBytes(uint64(p.DownloadedBytes))
}

func (p *Progress) TotalString() string {
	if p.TotalBytes == 0 {
		return "unknown"
	}
	return utils.FormatBytes(uint64(p.TotalBytes))
}

func (p *Progress) SpeedString() string {
	return utils.FormatBytes(uint64(p.Speed())) + "/s"
}

func (p *Progress) ETAString() string {
	remaining, ok := p.Remaining()
	if !ok {
		return "--:--:--"
	}
	return utils.FormatDuration(int64(remaining.Seconds()))
}
