package store

import (
	"encoding/json"
	"time"

	"github.com/tahmil/tahmil/internal/downloader"
)

// Download is the persisted row shape for one download item. Caller-specific
// attributes ride along as a JSON text column so the schema never needs to
// know about catalog identifiers.
type Download struct {
	ID              int64     `gorm:"primaryKey;autoIncrement;column:id"`
	URL             string    `gorm:"column:url;not null"`
	Filename        string    `gorm:"column:filename;not null"`
	FolderPath      string    `gorm:"column:folder_path;not null"`
	Status          string    `gorm:"column:status;index;not null"`
	DownloadedBytes int64     `gorm:"column:downloaded_bytes;default:0"`
	TotalBytes      int64     `gorm:"column:total_bytes;default:0"`
	FileHash        string    `gorm:"column:file_hash"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
	Extra           string    `gorm:"column:extra;type:text"`
}

func (Download) TableName() string { return "downloads" }

func rowFromItem(item downloader.Item) Download {
	row := Download{
		ID:              item.ID,
		URL:             item.URL,
		Filename:        item.Filename,
		FolderPath:      item.FolderPath,
		Status:          item.Status.String(),
		DownloadedBytes: item.DownloadedBytes,
		TotalBytes:      item.TotalBytes,
		FileHash:        item.FileHash,
		CreatedAt:       item.CreatedAt,
		UpdatedAt:       item.UpdatedAt,
	}
	if len(item.Extra) > 0 {
		if b, err := json.Marshal(item.Extra); err == nil {
			row.Extra = string(b)
		}
	}
	return row
}

func (d Download) toItem() downloader.Item {
	item := downloader.Item{
		ID:              d.ID,
		URL:             d.URL,
		Filename:        d.Filename,
		FolderPath:      d.FolderPath,
		Status:          downloader.Status(d.Status),
		DownloadedBytes: d.DownloadedBytes,
		TotalBytes:      d.TotalBytes,
		FileHash:        d.FileHash,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.Extra != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(d.Extra), &extra); err == nil {
			item.Extra = extra
		}
	}
	return item
}
