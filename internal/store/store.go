// Package store persists download items in sqlite through gorm. Every
// operation is its own short-lived unit of work; errors are logged here and
// surfaced to the caller, which treats durability as best-effort.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrInvalidStatus rejects writes that would drift from the status enum.
var ErrInvalidStatus = errors.New("invalid download status")

// coreColumns are the filter keys FindOne can push down to SQL; anything
// prefixed "extra." is matched against the JSON side-map in memory.
var coreColumns = map[string]bool{
	"url":         true,
	"filename":    true,
	"folder_path": true,
	"status":      true,
	"file_hash":   true,
}

type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open connects to the sqlite file at path (":memory:" for tests), applies
// WAL and a busy timeout for concurrent worker writes, and migrates the
// downloads table.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening download database: %v", err)
	}
	if path == ":memory:" {
		// each pooled connection would otherwise see its own empty database
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(&Download{}); err != nil {
		return nil, fmt.Errorf("error migrating download schema: %v", err)
	}
	s := &Store{db: db, log: utils.GetLogger("store")}
	s.log.Debug().Str("path", path).Msg("Download database initialized")
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts or updates one row and returns its durable id.
func (s *Store) Upsert(item downloader.Item) (int64, error) {
	if !item.Status.Valid() {
		return 0, ErrInvalidStatus
	}
	row := rowFromItem(item)
	row.UpdatedAt = time.Now()
	var err error
	if row.ID == 0 {
		err = s.db.Create(&row).Error
	} else {
		err = s.db.Save(&row).Error
	}
	if err != nil {
		s.log.Error().Err(err).Int64("id", item.ID).Msg("Error upserting download item")
		return 0, err
	}
	return row.ID, nil
}

// UpsertMany persists a batch in a single transaction, returning one id per
// input in input order. Any failure aborts the whole batch and returns no
// ids.
func (s *Store) UpsertMany(items []downloader.Item) ([]int64, error) {
	for _, item := range items {
		if !item.Status.Valid() {
			return nil, ErrInvalidStatus
		}
	}
	ids := make([]int64, 0, len(items))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			row := rowFromItem(item)
			row.UpdatedAt = time.Now()
			if row.ID == 0 {
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Save(&row).Error; err != nil {
					return err
				}
			}
			ids = append(ids, row.ID)
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Int("count", len(items)).Msg("Error upserting download batch")
		return nil, err
	}
	return ids, nil
}

// Get fetches one item by id; a missing row is (nil, nil), not an error.
func (s *Store) Get(id int64) (*downloader.Item, error) {
	var row Download
	err := s.db.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.log.Error().Err(err).Int64("id", id).Msg("Error fetching download item")
		return nil, err
	}
	item := row.toItem()
	return &item, nil
}

// All returns every row in id order.
func (s *Store) All() ([]downloader.Item, error) {
	var rows []Download
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		s.log.Error().Err(err).Msg("Error fetching download items")
		return nil, err
	}
	items := make([]downloader.Item, len(rows))
	for i, row := range rows {
		items[i] = row.toItem()
	}
	return items, nil
}

// FindOne looks up the first row matching the filter, e.g. a completed local
// file by business key: {"status": "completed", "extra.reciter_id": "7"}.
// Core columns are filtered in SQL, "extra."-prefixed keys against the JSON
// side-map.
func (s *Store) FindOne(filter map[string]string) (*downloader.Item, error) {
	query := s.db.Model(&Download{}).Order("id")
	extraFilter := map[string]string{}
	for key, value := range filter {
		if extraKey, ok := strings.CutPrefix(key, "extra."); ok {
			extraFilter[extraKey] = value
			continue
		}
		if !coreColumns[key] {
			return nil, fmt.Errorf("unknown filter column: %s", key)
		}
		query = query.Where(key+" = ?", value)
	}
	var rows []Download
	if err := query.Find(&rows).Error; err != nil {
		s.log.Error().Err(err).Msg("Error querying download items")
		return nil, err
	}
	for _, row := range rows {
		item := row.toItem()
		if matchesExtra(item.Extra, extraFilter) {
			return &item, nil
		}
	}
	return nil, nil
}

func matchesExtra(extra, filter map[string]string) bool {
	for key, want := range filter {
		if extra[key] != want {
			return false
		}
	}
	return true
}

// UpdateStatus sets one row's status, refusing values outside the enum.
func (s *Store) UpdateStatus(id int64, status downloader.Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	err := s.db.Model(&Download{}).Where("id = ?", id).
		Updates(map[string]any{"status": status.String(), "updated_at": time.Now()}).Error
	if err != nil {
		s.log.Error().Err(err).Int64("id", id).Str("status", status.String()).Msg("Error updating status")
	}
	return err
}

// UpdateStatusBulk flips every row in one of the from statuses to the to
// status, in one statement.
func (s *Store) UpdateStatusBulk(from []downloader.Status, to downloader.Status) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	fromStrings := make([]string, len(from))
	for i, st := range from {
		if !st.Valid() {
			return ErrInvalidStatus
		}
		fromStrings[i] = st.String()
	}
	err := s.db.Model(&Download{}).Where("status IN ?", fromStrings).
		Updates(map[string]any{"status": to.String(), "updated_at": time.Now()}).Error
	if err != nil {
		s.log.Error().Err(err).Str("to", to.String()).Msg("Error updating statuses in bulk")
	}
	return err
}

// Delete removes one row; deleting a missing id is not an error.
func (s *Store) Delete(id int64) error {
	if err := s.db.Delete(&Download{}, id).Error; err != nil {
		s.log.Error().Err(err).Int64("id", id).Msg("Error deleting download item")
		return err
	}
	return nil
}

// DeleteAll removes every row.
func (s *Store) DeleteAll() error {
	if err := s.db.Where("1 = 1").Delete(&Download{}).Error; err != nil {
		s.log.Error().Err(err).Msg("Error deleting all download items")
		return err
	}
	return nil
}
