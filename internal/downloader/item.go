package downloader

import (
	"maps"
	"path"
	"path/filepath"
	"time"
)

// Item is the authoritative record of one requested download. The manager
// owns the registry copy; workers mutate it only through manager callbacks.
// Extra carries caller attributes (catalog identifiers and the like) that the
// engine stores but never interprets.
type Item struct {
	ID              int64
	URL             string
	Filename        string
	FolderPath      string
	Status          Status
	DownloadedBytes int64
	TotalBytes      int64
	FileHash        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Extra           map[string]string
}

// FinalPath is the destination the finished file is renamed to.
func (it *Item) FinalPath() string {
	return filepath.Join(it.FolderPath, it.Filename)
}

// TempPath is the in-flight partial file; its size is the resume offset.
func (it *Item) TempPath() string {
	return it.FinalPath() + ".part"
}

// Clone returns a detached copy so query results never alias the registry.
func (it *Item) Clone() Item {
	cp := *it
	if it.Extra != nil {
		cp.Extra = maps.Clone(it.Extra)
	}
	return cp
}

// Request describes one download to add. Filename defaults to the URL path
// base when empty.
type Request struct {
	URL      string
	Filename string
	Extra    map[string]string
}

func (r Request) filename() string {
	if r.Filename != "" {
		return r.Filename
	}
	return path.Base(r.URL)
}
