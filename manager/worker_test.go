package manager

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/classify"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/offline"
	"github.com/bariiss/hls-offline/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const origin = "https://app.example"

var errOffline = errors.New("network unreachable")

type fakeFetcher struct {
	mu     sync.Mutex
	online bool
	bodies map[string]string
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{online: true, bodies: map[string]string{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, _ http.Header) (*cachestore.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	if !f.online {
		return nil, errOffline
	}
	body, ok := f.bodies[rawURL]
	if !ok {
		return &cachestore.Response{Status: http.StatusNotFound}, nil
	}
	return &cachestore.Response{Status: http.StatusOK, Body: []byte(body)}, nil
}

func (f *fakeFetcher) setOnline(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func newWorker(t *testing.T, store cachestore.Store, fetcher *fakeFetcher, opts Options) *Worker {
	t.Helper()
	rules, err := classify.NewRules([]string{`^/api/videos`}, []string{"/static/"})
	require.NoError(t, err)
	videos := offline.NewManager(store, fetcher, nil, 1)
	if opts.Origin == "" {
		opts.Origin = origin
	}
	w := New(store, fetcher, rules, videos, opts)
	t.Cleanup(w.Close)
	return w
}

func request(t *testing.T, rawURL string, header http.Header) strategy.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return strategy.Request{URL: u, Header: header}
}

func partitionNames(t *testing.T, store cachestore.Store) []string {
	t.Helper()
	names, err := store.Names(context.Background())
	require.NoError(t, err)
	return names
}

func TestPartitionNames(t *testing.T) {
	w := newWorker(t, cachestore.NewMemoryStore(), newFakeFetcher(), Options{Version: "v7"})
	assert.Equal(t, []string{"static-v7", "dynamic-v7", "downloads", "manifests"}, w.Partitions())
}

func TestInstallPrecachesAssets(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.bodies[origin+"/"] = "<html>home</html>"
	fetcher.bodies[origin+"/offline.html"] = "<html>offline</html>"

	w := newWorker(t, store, fetcher, Options{Version: "v1", PrecacheAssets: []string{"/", "/offline.html"}})
	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())

	static, err := store.Open(ctx, "static-v1")
	require.NoError(t, err)
	resp, ok, err := static.Match(ctx, origin+"/offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>offline</html>", string(resp.Body))
}

func TestInstallFailsOnMissingAsset(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.bodies[origin+"/"] = "home"

	w := newWorker(t, cachestore.NewMemoryStore(), fetcher, Options{PrecacheAssets: []string{"/", "/manifest.json"}})
	err := w.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest.json")
	assert.Equal(t, StateFailed, w.State())
}

func TestStartActivatesWhenNoOlderVersion(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	_, err := store.Open(ctx, "scratch")
	require.NoError(t, err)

	w := newWorker(t, store, newFakeFetcher(), Options{Version: "v1"})
	require.NoError(t, w.Start(ctx))

	assert.Equal(t, StateActivated, w.State())
	assert.NotContains(t, partitionNames(t, store), "scratch")
}

func TestStartWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	for _, name := range []string{"static-v1", "dynamic-v1", "downloads", "manifests"} {
		_, err := store.Open(ctx, name)
		require.NoError(t, err)
	}

	w := newWorker(t, store, newFakeFetcher(), Options{Version: "v2"})
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, StateInstalled, w.State())
	assert.Contains(t, partitionNames(t, store), "static-v1")

	w.HandleMessage(ctx, model.SkipWaitingCommand{}, func(model.Reply) {
		t.Fatal("SKIP_WAITING has no reply")
	})

	assert.Equal(t, StateActivated, w.State())
	names := partitionNames(t, store)
	assert.NotContains(t, names, "static-v1")
	assert.NotContains(t, names, "dynamic-v1")
	assert.Contains(t, names, "downloads")
	assert.Contains(t, names, "manifests")
}

func TestStartWithSkipWaitingConfigured(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	_, err := store.Open(ctx, "static-v1")
	require.NoError(t, err)

	w := newWorker(t, store, newFakeFetcher(), Options{Version: "v2", SkipWaiting: true})
	require.NoError(t, w.Start(ctx))

	assert.Equal(t, StateActivated, w.State())
	assert.NotContains(t, partitionNames(t, store), "static-v1")
}

func TestStaticAssetsAreCacheFirst(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	fetcher := newFakeFetcher()
	asset := origin + "/static/app.js"
	fetcher.bodies[asset] = "console.log(1)"
	w := newWorker(t, store, fetcher, Options{Version: "v1"})

	first, route, err := w.Fetch(ctx, request(t, asset, nil))
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceNetwork, first.Source)
	assert.Equal(t, "static-v1", route.Partition)

	second, _, err := w.Fetch(ctx, request(t, asset, nil))
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceCache, second.Source)
	assert.Equal(t, 1, fetcher.callCount(asset))
}

func TestAPIIsNetworkFirstWithFallback(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	api := origin + "/api/videos?page=1"
	fetcher.bodies[api] = `{"items":[]}`
	w := newWorker(t, cachestore.NewMemoryStore(), fetcher, Options{Version: "v1"})

	result, route, err := w.Fetch(ctx, request(t, api, nil))
	require.NoError(t, err)
	assert.Equal(t, classify.KindAPI, route.Kind)
	assert.False(t, route.CacheFirst)
	assert.Equal(t, strategy.SourceNetwork, result.Source)
	w.engine.Wait()

	fetcher.setOnline(false)
	result, _, err = w.Fetch(ctx, request(t, api, nil))
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceCache, result.Source)
	assert.Equal(t, `{"items":[]}`, string(result.Response.Body))
}

func TestDocumentFallsBackToOfflinePage(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.bodies[origin+"/offline.html"] = "you are offline"
	w := newWorker(t, cachestore.NewMemoryStore(), fetcher, Options{
		Version:        "v1",
		OfflinePage:    "/offline.html",
		PrecacheAssets: []string{"/offline.html"},
	})
	require.NoError(t, w.Start(ctx))

	fetcher.setOnline(false)
	header := http.Header{"Sec-Fetch-Dest": []string{"document"}}
	result, route, err := w.Fetch(ctx, request(t, origin+"/watch/abc", header))
	require.NoError(t, err)
	assert.Equal(t, classify.KindDocument, route.Kind)
	assert.Equal(t, strategy.SourceOffline, result.Source)
	assert.Equal(t, "you are offline", string(result.Response.Body))
}

func TestOfflineVideoRouting(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	fetcher := newFakeFetcher()
	manifest := "https://cdn.example/videos/v1/hls/index.m3u8"
	segment := "https://cdn.example/videos/v1/hls/seg0.ts"
	fetcher.bodies[manifest] = "#EXTM3U\n#EXTINF:4,\nseg0.ts\n"
	fetcher.bodies[segment] = "media"
	w := newWorker(t, store, fetcher, Options{Version: "v1"})

	route := w.RouteFor(ctx, request(t, segment, nil))
	assert.False(t, route.Offline)
	assert.Equal(t, "dynamic-v1", route.Partition)

	var replies []model.Reply
	w.HandleMessage(ctx, model.CacheVideoCommand{VideoID: "v1", HLSURL: manifest}, func(r model.Reply) {
		replies = append(replies, r)
	})
	require.Equal(t, []model.Reply{model.SuccessReply()}, replies)

	fetcher.setOnline(false)

	result, route, err := w.Fetch(ctx, request(t, manifest, nil))
	require.NoError(t, err)
	assert.True(t, route.Offline)
	assert.Equal(t, model.ManifestsPartition, route.Partition)
	assert.Equal(t, strategy.SourceCache, result.Source)

	result, route, err = w.Fetch(ctx, request(t, segment, nil))
	require.NoError(t, err)
	assert.Equal(t, model.DownloadsPartition, route.Partition)
	assert.Equal(t, "media", string(result.Response.Body))

	w.HandleMessage(ctx, model.UncacheVideoCommand{VideoID: "v1"}, func(r model.Reply) {
		replies = append(replies, r)
	})
	assert.Equal(t, model.SuccessReply(), replies[1])

	route = w.RouteFor(ctx, request(t, segment, nil))
	assert.False(t, route.Offline)
	assert.False(t, route.CacheFirst)
}

func TestHandleEnvelope(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, cachestore.NewMemoryStore(), newFakeFetcher(), Options{Version: "v1"})

	tests := []struct {
		name    string
		data    string
		success bool
		replyTo string
		errText string
	}{
		{name: "unknown type", data: `{"type":"PING","id":"1"}`, replyTo: "1", errText: "unknown command"},
		{name: "bad json", data: `{"type":`, errText: "invalid command payload"},
		{name: "missing video id", data: `{"type":"UNCACHE_VIDEO","payload":{},"id":"2"}`, replyTo: "2", errText: "videoId is required"},
		{name: "uncache not cached", data: `{"type":"UNCACHE_VIDEO","payload":{"videoId":"nope"},"id":"3"}`, replyTo: "3", success: true},
		{name: "manifest unreachable", data: `{"type":"CACHE_VIDEO","payload":{"videoId":"v9","hlsUrl":"https://cdn.example/v9.m3u8"},"id":"4"}`, replyTo: "4", errText: "manifest fetch failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []model.Reply
			w.HandleEnvelope(ctx, []byte(tt.data), func(r model.Reply) { got = append(got, r) })

			require.Len(t, got, 1)
			assert.Equal(t, tt.success, got[0].Success)
			assert.Equal(t, tt.replyTo, got[0].ReplyTo)
			if tt.errText != "" {
				assert.Contains(t, got[0].Error, tt.errText)
			}
		})
	}
}

func TestDynamicPartitionIsCapped(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.bodies[origin+"/a.png"] = "0123456789"
	fetcher.bodies[origin+"/b.png"] = "0123456789"
	w := newWorker(t, store, fetcher, Options{Version: "v1", DynamicMaxBytes: 15})

	for _, name := range []string{"/a.png", "/b.png"} {
		_, route, err := w.Fetch(ctx, request(t, origin+name, nil))
		require.NoError(t, err)
		assert.Equal(t, classify.KindImage, route.Kind)
	}

	dynamic, err := w.OpenPartition(ctx, "dynamic-v1")
	require.NoError(t, err)
	keys, err := dynamic.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{origin + "/b.png"}, keys)
}

func TestOfflinePlaybackWithEscapedURLs(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	fetcher := newFakeFetcher()
	manifest := "https://cdn.example/videos/v1/hls/my index.m3u8"
	absolute := "https://cdn.example/videos/v1/hls/seg 0.ts"
	relative := "https://cdn.example/videos/v1/hls/seg1.ts"
	fetcher.bodies[manifest] = "#EXTM3U\n#EXTINF:4,\n" + absolute + "\n#EXTINF:4,\nseg1.ts\n"
	fetcher.bodies[absolute] = "first"
	fetcher.bodies[relative] = "second"
	w := newWorker(t, store, fetcher, Options{Version: "v1"})

	var replies []model.Reply
	w.HandleMessage(ctx, model.CacheVideoCommand{VideoID: "v1", HLSURL: manifest}, func(r model.Reply) {
		replies = append(replies, r)
	})
	require.Equal(t, []model.Reply{model.SuccessReply()}, replies)

	fetcher.setOnline(false)

	result, route, err := w.Fetch(ctx, request(t, manifest, nil))
	require.NoError(t, err)
	assert.Equal(t, model.ManifestsPartition, route.Partition)
	assert.Equal(t, strategy.SourceCache, result.Source)

	result, _, err = w.Fetch(ctx, request(t, "https://cdn.example/videos/v1/hls/seg%200.ts", nil))
	require.NoError(t, err)
	assert.Equal(t, "first", string(result.Response.Body))

	w.HandleMessage(ctx, model.UncacheVideoCommand{VideoID: "v1"}, func(r model.Reply) {
		replies = append(replies, r)
	})
	assert.Equal(t, model.SuccessReply(), replies[1])
	for _, name := range []string{model.DownloadsPartition, model.ManifestsPartition} {
		p, err := store.Open(ctx, name)
		require.NoError(t, err)
		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys, name)
	}
}

var errDelete = errors.New("disk detached")

// failingStore fails deletes of one key in one partition until cleared.
type failingStore struct {
	cachestore.Store
	mu        sync.Mutex
	partition string
	key       string
}

func (s *failingStore) failDelete(partition, key string) {
	s.mu.Lock()
	s.partition, s.key = partition, key
	s.mu.Unlock()
}

func (s *failingStore) fails(partition, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != "" && s.partition == partition && s.key == key
}

func (s *failingStore) Open(ctx context.Context, name string) (cachestore.Partition, error) {
	p, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingPartition{Partition: p, store: s}, nil
}

type failingPartition struct {
	cachestore.Partition
	store *failingStore
}

func (p *failingPartition) Delete(ctx context.Context, key string) (bool, error) {
	if p.store.fails(p.Name(), key) {
		return false, errDelete
	}
	return p.Partition.Delete(ctx, key)
}

func TestUncacheFailureKeepsMetadataForRetry(t *testing.T) {
	ctx := context.Background()
	memory := cachestore.NewMemoryStore()
	store := &failingStore{Store: memory}
	fetcher := newFakeFetcher()
	manifest := "https://cdn.example/videos/v1/hls/index.m3u8"
	fetcher.bodies[manifest] = "#EXTM3U\n#EXTINF:4,\nseg0.ts\n#EXTINF:4,\nseg1.ts\n"
	fetcher.bodies["https://cdn.example/videos/v1/hls/seg0.ts"] = "a"
	fetcher.bodies["https://cdn.example/videos/v1/hls/seg1.ts"] = "b"
	w := newWorker(t, store, fetcher, Options{Version: "v1"})

	var replies []model.Reply
	reply := func(r model.Reply) { replies = append(replies, r) }
	w.HandleMessage(ctx, model.CacheVideoCommand{VideoID: "v1", HLSURL: manifest}, reply)
	require.Equal(t, []model.Reply{model.SuccessReply()}, replies)

	store.failDelete(model.ManifestsPartition, manifest)
	w.HandleMessage(ctx, model.UncacheVideoCommand{VideoID: "v1"}, reply)

	require.Len(t, replies, 2)
	assert.False(t, replies[1].Success)
	assert.Contains(t, replies[1].Error, errDelete.Error())

	downloads, err := memory.Open(ctx, model.DownloadsPartition)
	require.NoError(t, err)
	keys, err := downloads.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "segments deleted before the failure stay deleted")
	assert.True(t, w.Videos().IsCached(ctx, "v1"))

	store.failDelete("", "")
	w.HandleMessage(ctx, model.UncacheVideoCommand{VideoID: "v1"}, reply)

	require.Len(t, replies, 3)
	assert.Equal(t, model.SuccessReply(), replies[2])
	assert.False(t, w.Videos().IsCached(ctx, "v1"))
	manifests, err := memory.Open(ctx, model.ManifestsPartition)
	require.NoError(t, err)
	keys, err = manifests.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

type blockingFetcher struct {
	once    sync.Once
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, _ string, _ http.Header) (*cachestore.Response, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCloseWaitsForRunningCommands(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore()
	fetcher := &blockingFetcher{started: make(chan struct{})}
	rules, err := classify.NewRules(nil, nil)
	require.NoError(t, err)
	w := New(store, fetcher, rules, offline.NewManager(store, fetcher, nil, 1), Options{Version: "v1", Origin: origin})

	replies := make(chan model.Reply, 2)
	cmd := model.CacheVideoCommand{VideoID: "v1", HLSURL: "https://cdn.example/videos/v1/hls/index.m3u8"}
	go w.HandleMessage(ctx, cmd, func(r model.Reply) { replies <- r })
	<-fetcher.started

	w.Close()

	select {
	case r := <-replies:
		assert.False(t, r.Success)
	default:
		t.Fatal("Close returned while a download was still running")
	}

	w.HandleMessage(ctx, cmd, func(r model.Reply) { replies <- r })
	r := <-replies
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, context.Canceled.Error())
	assert.False(t, w.Videos().IsCached(ctx, "v1"))
}
