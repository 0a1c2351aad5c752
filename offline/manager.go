// Package offline downloads HLS videos into the downloads and manifests
// partitions for offline playback, and removes them again.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/notify"
	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrInProgress    = errors.New("video is already being cached or removed")
	ErrManifestFetch = errors.New("manifest fetch failed")
)

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*cachestore.Response, error)
}

// Manager runs download and removal commands. At most one command per video
// id runs at a time.
type Manager struct {
	store       cachestore.Store
	fetcher     Fetcher
	notifier    notify.Notifier
	concurrency int
	active      mapset.Set[string]
	now         func() time.Time
}

// NewManager builds a Manager. concurrency below 2 downloads segments one at a
// time, in playlist order.
func NewManager(store cachestore.Store, fetcher Fetcher, notifier notify.Notifier, concurrency int) *Manager {
	if notifier == nil {
		notifier = notify.Multi{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Manager{
		store:       store,
		fetcher:     fetcher,
		notifier:    notifier,
		concurrency: concurrency,
		active:      mapset.NewSet[string](),
		now:         time.Now,
	}
}

// Metadata looks up the metadata record of a video. A missing record is not
// an error.
func (m *Manager) Metadata(ctx context.Context, videoID string) (*model.VideoMetadata, bool, error) {
	exists, err := m.store.Has(ctx, model.ManifestsPartition)
	if err != nil || !exists {
		return nil, false, err
	}
	manifests, err := m.store.Open(ctx, model.ManifestsPartition)
	if err != nil {
		return nil, false, err
	}
	resp, ok, err := manifests.Match(ctx, model.MetadataKey(videoID))
	if err != nil || !ok {
		return nil, false, err
	}
	var meta model.VideoMetadata
	if err := json.Unmarshal(resp.Body, &meta); err != nil {
		return nil, false, fmt.Errorf("decode metadata for %s: %w", videoID, err)
	}
	return &meta, true, nil
}

// IsCached reports whether a video is available offline. Lookup errors count
// as not cached.
func (m *Manager) IsCached(ctx context.Context, videoID string) bool {
	_, ok, err := m.Metadata(ctx, videoID)
	return err == nil && ok
}

// Busy reports whether a command for videoID is running.
func (m *Manager) Busy(videoID string) bool {
	return m.active.Contains(videoID)
}

func (m *Manager) acquire(videoID string) error {
	if !m.active.Add(videoID) {
		return fmt.Errorf("%w: %s", ErrInProgress, videoID)
	}
	return nil
}

func (m *Manager) release(videoID string) {
	m.active.Remove(videoID)
}

func (m *Manager) partitions(ctx context.Context) (downloads, manifests cachestore.Partition, err error) {
	if downloads, err = m.store.Open(ctx, model.DownloadsPartition); err != nil {
		return nil, nil, err
	}
	if manifests, err = m.store.Open(ctx, model.ManifestsPartition); err != nil {
		return nil, nil, err
	}
	return downloads, manifests, nil
}
