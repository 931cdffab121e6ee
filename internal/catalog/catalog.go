// Package catalog maps logical recitation keys to download URLs and to
// already-downloaded local files.
package catalog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/tahmil/tahmil/internal/downloader"
)

// Key identifies one ayah recording in a reciter's catalog.
type Key struct {
	ReciterID   string
	SurahNumber int
	AyahNumber  int
}

func (k Key) Valid() bool {
	return k.SurahNumber >= 1 && k.SurahNumber <= 114 && k.AyahNumber >= 0
}

// FileName is the canonical per-ayah file name, surah and ayah zero-padded
// to three digits (002255.mp3 for Ayat al-Kursi).
func (k Key) FileName() string {
	return fmt.Sprintf("%03d%03d.mp3", k.SurahNumber, k.AyahNumber)
}

// Extra returns the business-key attributes persisted with a download so the
// item can later be found by key instead of by URL.
func (k Key) Extra() map[string]string {
	return map[string]string{
		"reciter": k.ReciterID,
		"surah":   strconv.Itoa(k.SurahNumber),
		"ayah":    strconv.Itoa(k.AyahNumber),
	}
}

var ErrInvalidKey = fmt.Errorf("catalog: invalid key")

// Resolver translates keys into remote URLs and finds local copies of
// previously downloaded recordings.
type Resolver interface {
	// ResolveURL returns the remote URL for the given key.
	ResolveURL(key Key) (string, error)
	// LocalCopy returns the absolute path of a completed local download for
	// the key, or "" when none exists on disk.
	LocalCopy(key Key) (string, error)
}

// BaseURLResolver serves catalogs laid out as <base>/<file> per ayah, the
// layout used by everyayah.com style mirrors. Completed downloads are looked
// up in the store by their business key.
type BaseURLResolver struct {
	BaseURL string
	Store   downloader.Store
}

func NewBaseURLResolver(baseURL string, store downloader.Store) *BaseURLResolver {
	return &BaseURLResolver{BaseURL: baseURL, Store: store}
}

func (r *BaseURLResolver) ResolveURL(key Key) (string, error) {
	if !key.Valid() {
		return "", ErrInvalidKey
	}
	return fmt.Sprintf("%s/%s", r.BaseURL, key.FileName()), nil
}

func (r *BaseURLResolver) LocalCopy(key Key) (string, error) {
	if !key.Valid() {
		return "", ErrInvalidKey
	}
	if r.Store == nil {
		return "", nil
	}
	filter := map[string]string{"status": string(downloader.StatusCompleted)}
	for k, v := range key.Extra() {
		filter["extra."+k] = v
	}
	item, err := r.Store.FindOne(filter)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", nil
	}
	path := item.FinalPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}
