package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/hls"
	"github.com/bariiss/hls-offline/model"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Cache downloads the manifest and every segment of a video. A failed segment
// is skipped; the run still succeeds and the metadata records how many
// segments made it. Only a manifest failure, a store failure or cancellation
// returns an error, and in those cases no metadata is written.
func (m *Manager) Cache(ctx context.Context, cmd model.CacheVideoCommand) error {
	if err := m.acquire(cmd.VideoID); err != nil {
		return err
	}
	defer m.release(cmd.VideoID)

	logger := log.WithFields(log.Fields{"video_id": cmd.VideoID, "hls_url": cmd.HLSURL})

	downloads, manifests, err := m.partitions(ctx)
	if err != nil {
		return m.fail(cmd.VideoID, fmt.Errorf("open partitions: %w", err))
	}

	segments, err := m.fetchManifest(ctx, manifests, cmd.HLSURL)
	if err != nil {
		logger.Errorf("caching video failed: %v", err)
		return m.fail(cmd.VideoID, err)
	}
	if len(segments) == 0 {
		logger.Warn("manifest lists no segments")
	}
	logger.WithField("segments", len(segments)).Info("caching video")

	cached, err := m.downloadSegments(ctx, downloads, cmd.VideoID, segments)
	if err != nil {
		logger.Warnf("caching video interrupted after %d segments: %v", cached, err)
		return err
	}

	meta := model.VideoMetadata{
		VideoID:        cmd.VideoID,
		HLSURL:         cmd.HLSURL,
		CachedAt:       m.now().UTC(),
		SegmentCount:   len(segments),
		CachedSegments: cached,
	}
	if err := m.putMetadata(ctx, manifests, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	logger.WithFields(log.Fields{
		"segment_count":   meta.SegmentCount,
		"cached_segments": meta.CachedSegments,
	}).Info("video cached")
	return nil
}

func (m *Manager) fail(videoID string, err error) error {
	m.notifier.Broadcast(model.NewProgressEvent(videoID, 0, model.StatusFailed))
	return err
}

// fetchManifest stores the manifest under its URL and returns its segments.
// Master playlists are rejected before anything is stored.
func (m *Manager) fetchManifest(ctx context.Context, manifests cachestore.Partition, hlsURL string) ([]string, error) {
	resp, err := m.fetcher.Fetch(ctx, hlsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestFetch, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: upstream status %d", ErrManifestFetch, resp.Status)
	}

	text := string(resp.Body)
	if hls.IsMasterPlaylist(text) {
		return nil, hls.ErrMasterPlaylist
	}
	if err := manifests.Put(ctx, cachestore.Key(hlsURL), resp); err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	return hls.ParseSegments(text, hlsURL)
}

type progress struct {
	mu       sync.Mutex
	videoID  string
	total    int
	success  int
	notifier func(model.ProgressEvent)
}

// done counts one stored segment and broadcasts the new percentage. Events
// leave in counting order.
func (p *progress) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.success++
	status := model.StatusDownloading
	if p.success == p.total {
		status = model.StatusCompleted
	}
	pct := int(math.Round(float64(p.success) / float64(p.total) * 100))
	p.notifier(model.NewProgressEvent(p.videoID, pct, status))
}

func (p *progress) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.success
}

func (m *Manager) downloadSegments(ctx context.Context, downloads cachestore.Partition, videoID string, segments []string) (int, error) {
	tracker := &progress{videoID: videoID, total: len(segments), notifier: m.notifier.Broadcast}

	if m.concurrency < 2 {
		for _, segment := range segments {
			if err := ctx.Err(); err != nil {
				return tracker.count(), err
			}
			if m.downloadSegment(ctx, downloads, segment) {
				tracker.done()
			}
		}
		return tracker.count(), ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, segment := range segments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if m.downloadSegment(gctx, downloads, segment) {
				tracker.done()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tracker.count(), err
	}
	return tracker.count(), ctx.Err()
}

func (m *Manager) downloadSegment(ctx context.Context, downloads cachestore.Partition, segment string) bool {
	logger := log.WithField("segment", segment)

	resp, err := m.fetcher.Fetch(ctx, segment, nil)
	if err != nil {
		logger.Warnf("segment fetch failed: %v", err)
		return false
	}
	if !resp.OK() {
		logger.WithField("status", resp.Status).Warn("segment fetch failed")
		return false
	}
	if err := downloads.Put(ctx, cachestore.Key(segment), resp); err != nil {
		logger.Warnf("segment store failed: %v", err)
		return false
	}
	logger.Debug("segment cached")
	return true
}

func (m *Manager) putMetadata(ctx context.Context, manifests cachestore.Partition, meta model.VideoMetadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return manifests.Put(ctx, model.MetadataKey(meta.VideoID), &cachestore.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
}
