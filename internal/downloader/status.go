package downloader

// Status is the persisted lifecycle state of a download item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCancelled   Status = "cancelled"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Statuses lists every valid value, in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusPaused,
	StatusCancelled,
	StatusCompleted,
	StatusError,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusPaused, StatusCancelled, StatusCompleted, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the item can never progress without a restart.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether the item counts toward active work.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading
}

func (s Status) String() string { return string(s) }
