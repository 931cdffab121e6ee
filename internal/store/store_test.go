package store

import (
	"testing"

	"github.com/tahmil/tahmil/internal/downloader"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingItem(url string) downloader.Item {
	return downloader.Item{
		URL:        url,
		Filename:   "file.mp3",
		FolderPath: "/tmp/audio",
		Status:     downloader.StatusPending,
	}
}

func TestUpsertAssignsID(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Upsert(pendingItem("http://example.com/a.mp3"))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if id == 0 {
		t.Fatal("Upsert returned zero id")
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for a persisted row")
	}
	if got.URL != "http://example.com/a.mp3" || got.Status != downloader.StatusPending {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Upsert(pendingItem("http://example.com/a.mp3"))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item := pendingItem("http://example.com/a.mp3")
	item.ID = id
	item.Status = downloader.StatusDownloading
	item.DownloadedBytes = 4096
	item.TotalBytes = 8192
	if _, err := s.Upsert(item); err != nil {
		t.Fatalf("Upsert update failed: %v", err)
	}

	got, err := s.Get(id)
	if err != nil || got == nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.Status != downloader.StatusDownloading || got.DownloadedBytes != 4096 || got.TotalBytes != 8192 {
		t.Errorf("update not persisted: %+v", got)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Upsert with existing id created %d rows, expected 1", len(all))
	}
}

func TestUpsertRejectsInvalidStatus(t *testing.T) {
	s := openTestStore(t)
	item := pendingItem("http://example.com/a.mp3")
	item.Status = downloader.Status("exploded")
	if _, err := s.Upsert(item); err != ErrInvalidStatus {
		t.Errorf("Upsert with invalid status = %v, expected ErrInvalidStatus", err)
	}
}

func TestUpsertManyReturnsOrderedIDs(t *testing.T) {
	s := openTestStore(t)
	items := []downloader.Item{
		pendingItem("http://example.com/a.mp3"),
		pendingItem("http://example.com/b.mp3"),
		pendingItem("http://example.com/c.mp3"),
	}
	ids, err := s.UpsertMany(items)
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("UpsertMany returned %d ids, expected 3", len(ids))
	}
	for i, id := range ids {
		got, err := s.Get(id)
		if err != nil || got == nil {
			t.Fatalf("Get(%d) failed: %v", id, err)
		}
		if got.URL != items[i].URL {
			t.Errorf("id %d maps to %s, expected %s", id, got.URL, items[i].URL)
		}
	}
}

func TestUpsertManyAbortsWholeBatch(t *testing.T) {
	s := openTestStore(t)
	bad := pendingItem("http://example.com/b.mp3")
	bad.Status = downloader.Status("nope")
	ids, err := s.UpsertMany([]downloader.Item{pendingItem("http://example.com/a.mp3"), bad})
	if err == nil {
		t.Fatal("UpsertMany with invalid item succeeded")
	}
	if ids != nil {
		t.Errorf("UpsertMany returned ids %v on failure, expected none", ids)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("failed batch persisted %d rows, expected 0", len(all))
	}
}

func TestGetMissingRow(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(404)
	if err != nil {
		t.Fatalf("Get on missing row errored: %v", err)
	}
	if got != nil {
		t.Errorf("Get on missing row = %+v, expected nil", got)
	}
}

func TestFindOneByBusinessKey(t *testing.T) {
	s := openTestStore(t)
	first := pendingItem("http://example.com/002001.mp3")
	first.Status = downloader.StatusCompleted
	first.Extra = map[string]string{"reciter": "7", "surah": "2", "ayah": "1"}
	second := pendingItem("http://example.com/002002.mp3")
	second.Status = downloader.StatusCompleted
	second.Extra = map[string]string{"reciter": "7", "surah": "2", "ayah": "2"}
	if _, err := s.UpsertMany([]downloader.Item{first, second}); err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}

	got, err := s.FindOne(map[string]string{
		"status":        "completed",
		"extra.reciter": "7",
		"extra.ayah":    "2",
	})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if got == nil {
		t.Fatal("FindOne returned nil for an existing business key")
	}
	if got.URL != second.URL {
		t.Errorf("FindOne matched %s, expected %s", got.URL, second.URL)
	}

	missing, err := s.FindOne(map[string]string{"extra.ayah": "99"})
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	if missing != nil {
		t.Errorf("FindOne for absent key = %+v, expected nil", missing)
	}

	if _, err := s.FindOne(map[string]string{"downloaded_bytes": "1"}); err == nil {
		t.Error("FindOne accepted a non-filterable column")
	}
}

func TestUpdateStatusBulk(t *testing.T) {
	s := openTestStore(t)
	statuses := []downloader.Status{
		downloader.StatusPending,
		downloader.StatusDownloading,
		downloader.StatusPaused,
		downloader.StatusCompleted,
	}
	for i, status := range statuses {
		item := pendingItem("http://example.com/" + string(rune('a'+i)) + ".mp3")
		item.Status = status
		if _, err := s.Upsert(item); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	err := s.UpdateStatusBulk(
		[]downloader.Status{downloader.StatusPending, downloader.StatusDownloading},
		downloader.StatusPaused,
	)
	if err != nil {
		t.Fatalf("UpdateStatusBulk failed: %v", err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	paused, completed := 0, 0
	for _, item := range all {
		switch item.Status {
		case downloader.StatusPaused:
			paused++
		case downloader.StatusCompleted:
			completed++
		}
	}
	if paused != 3 {
		t.Errorf("%d paused rows after bulk update, expected 3", paused)
	}
	if completed != 1 {
		t.Errorf("%d completed rows after bulk update, expected 1 untouched", completed)
	}
}

func TestDeleteAndDeleteAll(t *testing.T) {
	s := openTestStore(t)
	ids, err := s.UpsertMany([]downloader.Item{
		pendingItem("http://example.com/a.mp3"),
		pendingItem("http://example.com/b.mp3"),
	})
	if err != nil {
		t.Fatalf("UpsertMany failed: %v", err)
	}

	if err := s.Delete(ids[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(9999); err != nil {
		t.Errorf("Delete of missing id errored: %v", err)
	}
	all, _ := s.All()
	if len(all) != 1 {
		t.Fatalf("%d rows after Delete, expected 1", len(all))
	}

	if err := s.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	all, _ = s.All()
	if len(all) != 0 {
		t.Errorf("%d rows after DeleteAll, expected 0", len(all))
	}
}

func TestExtraSurvivesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	item := pendingItem("http://example.com/a.mp3")
	item.Extra = map[string]string{"reciter": "mishary", "bitrate": "128"}
	id, err := s.Upsert(item)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, err := s.Get(id)
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Extra["reciter"] != "mishary" || got.Extra["bitrate"] != "128" {
		t.Errorf("Extra did not survive round trip: %v", got.Extra)
	}
}
