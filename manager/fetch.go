package manager

import (
	"context"

	"github.com/bariiss/hls-offline/classify"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/strategy"
	log "github.com/sirupsen/logrus"
)

// Route names the strategy and partition chosen for a request.
type Route struct {
	Kind       classify.Kind
	VideoID    string
	Offline    bool
	CacheFirst bool
	Partition  string
}

// RouteFor classifies req. An HLS request whose video has metadata is served
// cache-first from the offline partitions; any other HLS request goes to the
// network.
func (w *Worker) RouteFor(ctx context.Context, req strategy.Request) Route {
	result := w.rules.Classify(req.URL, req.Header)
	route := Route{Kind: result.Kind, VideoID: result.VideoID}

	switch result.Kind {
	case classify.KindHLS:
		if result.HasVideoID && w.videos.IsCached(ctx, result.VideoID) {
			route.Offline = true
			route.CacheFirst = true
			route.Partition = model.DownloadsPartition
			if classify.IsManifest(req.URL) {
				route.Partition = model.ManifestsPartition
			}
			return route
		}
		route.Partition = w.DynamicPartition()
	case classify.KindStatic:
		route.CacheFirst = true
		route.Partition = w.StaticPartition()
	case classify.KindImage:
		route.CacheFirst = true
		route.Partition = w.DynamicPartition()
	default:
		route.Partition = w.DynamicPartition()
	}
	return route
}

// Fetch answers an intercepted GET request.
func (w *Worker) Fetch(ctx context.Context, req strategy.Request) (*strategy.Result, Route, error) {
	route := w.RouteFor(ctx, req)
	req.Document = route.Kind == classify.KindDocument

	log.WithFields(log.Fields{
		"url":         req.URL.String(),
		"kind":        route.Kind,
		"partition":   route.Partition,
		"cache_first": route.CacheFirst,
	}).Debug("routing request")

	if route.CacheFirst {
		result, err := w.engine.CacheFirst(ctx, req, route.Partition)
		return result, route, err
	}
	result, err := w.engine.NetworkFirst(ctx, req, route.Partition)
	return result, route, err
}
