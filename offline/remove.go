package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/classify"
	"github.com/bariiss/hls-offline/hls"
	"github.com/bariiss/hls-offline/model"
	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"
)

// Uncache removes a cached video. A video without metadata is a no-op.
//
// The metadata record goes last, so a run that stops halfway leaves it
// pointing at a superset of what is still stored and running Uncache again
// finishes the job. Deletions already applied are never rolled back. Keys
// another cached video still references are left in place.
func (m *Manager) Uncache(ctx context.Context, cmd model.UncacheVideoCommand) error {
	if err := m.acquire(cmd.VideoID); err != nil {
		return err
	}
	defer m.release(cmd.VideoID)

	logger := log.WithField("video_id", cmd.VideoID)

	meta, ok, err := m.Metadata(ctx, cmd.VideoID)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if !ok {
		logger.Debug("video not cached, nothing to remove")
		return nil
	}

	downloads, manifests, err := m.partitions(ctx)
	if err != nil {
		return err
	}

	shared, err := m.sharedKeys(ctx, manifests, cmd.VideoID)
	if err != nil {
		return err
	}
	r := &remover{downloads: downloads, manifests: manifests, shared: shared}
	manifestKey := cachestore.Key(meta.HLSURL)

	if err := r.removeListedSegments(ctx, manifestKey); err != nil {
		return err
	}
	if _, err := r.delete(ctx, downloads, manifestKey); err != nil {
		return err
	}

	keys, err := downloads.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list downloads: %w", err)
	}
	for _, key := range keys {
		if id, found := classify.ExtractVideoID(key); found && id == cmd.VideoID {
			if _, err := r.delete(ctx, downloads, key); err != nil {
				return err
			}
		}
	}

	if _, err := r.delete(ctx, manifests, manifestKey); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	if _, err := manifests.Delete(ctx, model.MetadataKey(cmd.VideoID)); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}

	logger.WithFields(log.Fields{
		"segments_removed": r.removed,
		"shared_kept":      r.kept,
	}).Info("video removed")
	return nil
}

type remover struct {
	downloads cachestore.Partition
	manifests cachestore.Partition
	shared    mapset.Set[string]
	removed   int
	kept      int
}

func (r *remover) delete(ctx context.Context, p cachestore.Partition, key string) (bool, error) {
	if r.shared.Contains(key) {
		r.kept++
		return false, nil
	}
	deleted, err := p.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	if deleted && p == r.downloads {
		r.removed++
	}
	return deleted, nil
}

// removeListedSegments deletes the segments named by the stored manifest.
// Segment URLs rarely carry the video id, so the manifest is the only
// reliable index of them.
func (r *remover) removeListedSegments(ctx context.Context, manifestKey string) error {
	segments, ok, err := listedSegments(ctx, r.manifests, manifestKey)
	if err != nil || !ok {
		return err
	}
	for _, segment := range segments {
		if _, err := r.delete(ctx, r.downloads, segment); err != nil {
			return err
		}
	}
	return nil
}

// sharedKeys collects the keys the other cached videos depend on: their
// manifest URLs and the segments those manifests list.
func (m *Manager) sharedKeys(ctx context.Context, manifests cachestore.Partition, videoID string) (mapset.Set[string], error) {
	shared := mapset.NewThreadUnsafeSet[string]()
	keys, err := manifests.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	for _, key := range keys {
		id, ok := model.MetadataVideoID(key)
		if !ok || id == videoID {
			continue
		}
		resp, found, err := manifests.Match(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read metadata of %s: %w", id, err)
		}
		if !found {
			continue
		}
		var other model.VideoMetadata
		if err := json.Unmarshal(resp.Body, &other); err != nil {
			log.WithField("video_id", id).Warnf("skipping unreadable metadata: %v", err)
			continue
		}
		manifestKey := cachestore.Key(other.HLSURL)
		shared.Add(manifestKey)
		segments, _, err := listedSegments(ctx, manifests, manifestKey)
		if err != nil {
			return nil, err
		}
		shared.Append(segments...)
	}
	return shared, nil
}

// listedSegments returns the canonical segment keys of a stored manifest. An
// unreadable manifest lists nothing; id matching still catches its segments.
func listedSegments(ctx context.Context, manifests cachestore.Partition, manifestKey string) ([]string, bool, error) {
	resp, ok, err := manifests.Match(ctx, manifestKey)
	if err != nil {
		return nil, false, fmt.Errorf("read manifest: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	segments, err := hls.ParseSegments(string(resp.Body), manifestKey)
	if err != nil {
		log.WithField("hls_url", manifestKey).Warnf("stored manifest unreadable: %v", err)
		return nil, false, nil
	}
	keys := make([]string, 0, len(segments))
	for _, segment := range segments {
		keys = append(keys, cachestore.Key(segment))
	}
	return keys, true, nil
}
