package downloader

// Events are asynchronous notifications fanned out to subscribers by a single
// manager-owned goroutine. For any one item they arrive in mutation order;
// across items no ordering is promised, and a direct query racing an event
// may still observe the pre-event state.
type Event interface{ event() }

// ProgressEvent carries a snapshot of one transfer's counters.
type ProgressEvent struct {
	Progress Progress
}

// StatusEvent reports a status transition for one item.
type StatusEvent struct {
	ID     int64
	Status Status
}

// FinishedEvent reports a completed download and its final path.
type FinishedEvent struct {
	ID   int64
	Path string
}

// ErrorEvent carries the message of a failed transfer.
type ErrorEvent struct {
	ID      int64
	Message string
}

// AddedEvent carries the full batch of newly registered items.
type AddedEvent struct {
	Items []Item
}

// DeletedEvent reports removal of one item.
type DeletedEvent struct {
	ID int64
}

// ClearedEvent reports that the whole registry was emptied.
type ClearedEvent struct{}

// CancelledAllEvent reports a bulk cancel.
type CancelledAllEvent struct{}

func (ProgressEvent) event()     {}
func (StatusEvent) event()       {}
func (FinishedEvent) event()     {}
func (ErrorEvent) event()        {}
func (AddedEvent) event()        {}
func (DeletedEvent) event()      {}
func (ClearedEvent) event()      {}
func (CancelledAllEvent) event() {}
