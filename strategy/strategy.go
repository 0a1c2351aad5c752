// Package strategy answers one GET request from the network or from a cache
// partition: network-first with cache fallback, or cache-first with network
// fallback.
package strategy

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/bariiss/hls-offline/cachestore"
	log "github.com/sirupsen/logrus"
)

type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Fetcher performs the real network request. A returned error means the
// network was unreachable; HTTP error statuses come back as responses.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*cachestore.Response, error)
}

// PartitionOpener resolves a partition name, letting callers wrap partitions
// (for example with a size cap).
type PartitionOpener func(ctx context.Context, name string) (cachestore.Partition, error)

// OfflinePage returns the placeholder served to document requests when both
// network and cache miss.
type OfflinePage func(ctx context.Context) (*cachestore.Response, bool)

// Request is an intercepted GET request.
type Request struct {
	URL      *url.URL
	Header   http.Header
	Document bool
}

type Result struct {
	Response *cachestore.Response
	Source   Source
}

type Engine struct {
	open    PartitionOpener
	fetcher Fetcher
	offline OfflinePage
	writes  sync.WaitGroup
}

func NewEngine(open PartitionOpener, fetcher Fetcher, offline OfflinePage) *Engine {
	return &Engine{open: open, fetcher: fetcher, offline: offline}
}

// NetworkFirst tries the network and writes successful answers through to
// partition without delaying the response. When the network fails it falls
// back to the cache, then, for documents, to the offline page.
func (e *Engine) NetworkFirst(ctx context.Context, req Request, partition string) (*Result, error) {
	key := cachestore.Key(req.URL.String())

	resp, err := e.fetcher.Fetch(ctx, key, req.Header)
	if err == nil {
		if cacheable(resp) {
			e.storeAsync(ctx, partition, key, resp.Clone())
		}
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	log.WithFields(log.Fields{"url": key, "partition": partition}).Debugf("network failed, trying cache: %v", err)
	if cached, ok := e.match(ctx, partition, key); ok {
		return &Result{Response: cached, Source: SourceCache}, nil
	}

	if req.Document {
		return &Result{Response: e.offlineResponse(ctx), Source: SourceOffline}, nil
	}
	return nil, err
}

// CacheFirst answers from partition when possible and never touches the
// network on a hit. On a miss the network answer is stored before returning.
func (e *Engine) CacheFirst(ctx context.Context, req Request, partition string) (*Result, error) {
	key := cachestore.Key(req.URL.String())

	if cached, ok := e.match(ctx, partition, key); ok {
		return &Result{Response: cached, Source: SourceCache}, nil
	}

	resp, err := e.fetcher.Fetch(ctx, key, req.Header)
	if err != nil {
		return nil, err
	}
	if cacheable(resp) {
		e.store(ctx, partition, key, resp.Clone())
	}
	return &Result{Response: resp, Source: SourceNetwork}, nil
}

// Wait blocks until background cache writes have finished.
func (e *Engine) Wait() {
	e.writes.Wait()
}

func (e *Engine) match(ctx context.Context, partition, key string) (*cachestore.Response, bool) {
	p, err := e.open(ctx, partition)
	if err != nil {
		log.Warnf("open partition %s: %v", partition, err)
		return nil, false
	}
	resp, ok, err := p.Match(ctx, key)
	if err != nil {
		log.Warnf("cache lookup %s in %s: %v", key, partition, err)
		return nil, false
	}
	return resp, ok
}

func (e *Engine) store(ctx context.Context, partition, key string, resp *cachestore.Response) {
	p, err := e.open(ctx, partition)
	if err != nil {
		log.Warnf("open partition %s: %v", partition, err)
		return
	}
	if err := p.Put(ctx, key, resp); err != nil {
		log.Warnf("cache write %s in %s: %v", key, partition, err)
	}
}

func (e *Engine) storeAsync(ctx context.Context, partition, key string, resp *cachestore.Response) {
	ctx = context.WithoutCancel(ctx)
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		e.store(ctx, partition, key, resp)
	}()
}

func (e *Engine) offlineResponse(ctx context.Context) *cachestore.Response {
	if e.offline != nil {
		if page, ok := e.offline(ctx); ok {
			return page
		}
	}
	return &cachestore.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Offline"),
	}
}

// Partial content cannot be replayed for a full request.
func cacheable(resp *cachestore.Response) bool {
	return resp.OK() && resp.Status != http.StatusPartialContent
}
