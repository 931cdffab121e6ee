package downloader

import (
	"errors"
	"net/http"
	"time"
)

// Store is the persistence contract the manager and workers write through.
// Implementations must tolerate concurrent calls and keep every operation a
// short-lived unit of work. Failures are best-effort: the in-memory registry
// stays authoritative for the running process.
type Store interface {
	// Upsert inserts or updates by id and returns the durable id.
	Upsert(item Item) (int64, error)
	// UpsertMany persists a batch all-or-nothing, returning one id per input
	// in input order, or no ids at all on failure.
	UpsertMany(items []Item) ([]int64, error)
	Get(id int64) (*Item, error)
	All() ([]Item, error)
	// FindOne looks an item up by business key, e.g.
	// {"status": "completed", "extra.reciter_id": "7"}.
	FindOne(filter map[string]string) (*Item, error)
	UpdateStatus(id int64, status Status) error
	// UpdateStatusBulk flips every row in one of the from statuses to the to
	// status.
	UpdateStatusBulk(from []Status, to Status) error
	Delete(id int64) error
	DeleteAll() error
}

var (
	// ErrStoreRequired is returned by NewManager when history flags are set
	// without a configured store.
	ErrStoreRequired = errors.New("a store is required for saving or loading history")
	// ErrUnknownID is returned for operations on ids missing from the registry.
	ErrUnknownID = errors.New("unknown download id")
	// ErrInvalidRequest rejects a malformed add batch.
	ErrInvalidRequest = errors.New("invalid download request")
)

const (
	DefaultMaxWorkers   = 3
	DefaultChunkSize    = 64 * 1024
	DefaultProgressStep = 1
)

// Config carries manager construction options. Zero values take the package
// defaults.
type Config struct {
	MaxWorkers int
	// ChunkSize is the streaming buffer size; a tunable, not a contract.
	ChunkSize int
	// ProgressStep coalesces progress events and persists to whole percentage
	// points; negative reports every chunk.
	ProgressStep int
	Timeout      time.Duration
	KATimeout    time.Duration
	UserAgent    string

	SaveHistory    bool
	LoadHistory    bool
	HashOnComplete bool

	Store Store
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ProgressStep == 0 {
		cfg.ProgressStep = DefaultProgressStep
	}
	return cfg
}
