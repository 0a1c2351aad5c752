package model

import (
	"net/url"
	"time"
)

const metadataPath = "/cached-video-metadata"

// Partitions holding user-requested offline content. They are not versioned.
const (
	DownloadsPartition = "downloads"
	ManifestsPartition = "manifests"
)

// VideoMetadata correlates a video with its cached manifest and segment counts.
// Its presence in the manifests partition means the video is available offline.
type VideoMetadata struct {
	VideoID        string    `json:"videoId"`
	HLSURL         string    `json:"hlsUrl"`
	CachedAt       time.Time `json:"cachedAt"`
	SegmentCount   int       `json:"segmentCount"`
	CachedSegments int       `json:"cachedSegments"`
}

// MetadataKey is the synthetic request key the metadata record is stored under.
// It is never sent over the network.
func MetadataKey(videoID string) string {
	return metadataPath + "?videoId=" + url.QueryEscape(videoID)
}

// MetadataVideoID returns the video id of a metadata key. Other keys report false.
func MetadataVideoID(key string) (string, bool) {
	u, err := url.Parse(key)
	if err != nil || u.Path != metadataPath || u.Host != "" {
		return "", false
	}
	id := u.Query().Get("videoId")
	return id, id != ""
}

type DownloadStatus string

const (
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
)

const ProgressEventType = "DOWNLOAD_PROGRESS"

type Progress struct {
	VideoID  string         `json:"videoId"`
	Progress int            `json:"progress"`
	Status   DownloadStatus `json:"status"`
}

// ProgressEvent is broadcast to every connected page context. It is not persisted.
type ProgressEvent struct {
	Type     string   `json:"type"`
	Progress Progress `json:"progress"`
}

func NewProgressEvent(videoID string, progress int, status DownloadStatus) ProgressEvent {
	return ProgressEvent{
		Type: ProgressEventType,
		Progress: Progress{
			VideoID:  videoID,
			Progress: progress,
			Status:   status,
		},
	}
}
