// Package manager is the cache manager's lifecycle: it installs and
// activates a cache version, routes intercepted requests to a strategy and
// dispatches page commands.
package manager

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/classify"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/offline"
	"github.com/bariiss/hls-offline/strategy"
	log "github.com/sirupsen/logrus"
)

type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
	StateFailed     State = "failed"
)

const (
	staticPrefix  = "static-"
	dynamicPrefix = "dynamic-"
)

type Options struct {
	Version         string
	Origin          string
	OfflinePage     string
	PrecacheAssets  []string
	DynamicMaxBytes int64
	SkipWaiting     bool
}

type Worker struct {
	store   cachestore.Store
	fetcher strategy.Fetcher
	rules   *classify.Rules
	videos  *offline.Manager
	engine  *strategy.Engine
	opts    Options

	life     context.Context
	shutdown context.CancelFunc
	commands sync.WaitGroup

	mu      sync.Mutex
	state   State
	closed  bool
	dynamic cachestore.Partition
}

func New(store cachestore.Store, fetcher strategy.Fetcher, rules *classify.Rules, videos *offline.Manager, opts Options) *Worker {
	if opts.Version == "" {
		opts.Version = "v1"
	}
	life, shutdown := context.WithCancel(context.Background())
	w := &Worker{
		store:    store,
		fetcher:  fetcher,
		rules:    rules,
		videos:   videos,
		opts:     opts,
		life:     life,
		shutdown: shutdown,
		state:    StateNew,
	}
	w.engine = strategy.NewEngine(w.OpenPartition, fetcher, w.offlinePage)
	return w
}

func (w *Worker) StaticPartition() string  { return staticPrefix + w.opts.Version }
func (w *Worker) DynamicPartition() string { return dynamicPrefix + w.opts.Version }

// Partitions lists the partitions the current version keeps on activation.
func (w *Worker) Partitions() []string {
	return []string{w.StaticPartition(), w.DynamicPartition(), model.DownloadsPartition, model.ManifestsPartition}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	log.WithFields(log.Fields{"version": w.opts.Version, "state": s}).Info("cache manager state changed")
}

// Videos exposes the download and removal orchestrators.
func (w *Worker) Videos() *offline.Manager {
	return w.videos
}

// OpenPartition opens a partition by name. The dynamic partition is wrapped
// with its size cap, once.
func (w *Worker) OpenPartition(ctx context.Context, name string) (cachestore.Partition, error) {
	if name != w.DynamicPartition() || w.opts.DynamicMaxBytes <= 0 {
		return w.store.Open(ctx, name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dynamic != nil {
		return w.dynamic, nil
	}
	p, err := w.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	limited, err := cachestore.Limit(ctx, p, w.opts.DynamicMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("limit %s: %w", name, err)
	}
	w.dynamic = limited
	return limited, nil
}

// Start installs the current version and activates it straight away when no
// older version is around or skip-waiting is configured. Otherwise the
// version stays installed until SkipWaiting.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}

	older, err := w.olderVersions(ctx)
	if err != nil {
		return err
	}
	if len(older) == 0 || w.opts.SkipWaiting {
		return w.Activate(ctx)
	}
	log.WithField("older", older).Info("older cache version present, waiting for SKIP_WAITING")
	return nil
}

// Install fetches every precache asset into the static partition. One failed
// asset fails the whole install.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	if len(w.opts.PrecacheAssets) > 0 && w.opts.Origin == "" {
		log.Warn("no origin configured, skipping precache")
		w.setState(StateInstalled)
		return nil
	}

	static, err := w.store.Open(ctx, w.StaticPartition())
	if err != nil {
		w.setState(StateFailed)
		return fmt.Errorf("open %s: %w", w.StaticPartition(), err)
	}

	for _, asset := range w.opts.PrecacheAssets {
		target, err := resolveAsset(w.opts.Origin, asset)
		if err != nil {
			w.setState(StateFailed)
			return err
		}
		resp, err := w.fetcher.Fetch(ctx, target, nil)
		if err != nil {
			w.setState(StateFailed)
			return fmt.Errorf("precache %s: %w", target, err)
		}
		if !resp.OK() {
			w.setState(StateFailed)
			return fmt.Errorf("precache %s: upstream status %d", target, resp.Status)
		}
		if err := static.Put(ctx, cachestore.Key(target), resp); err != nil {
			w.setState(StateFailed)
			return fmt.Errorf("precache %s: %w", target, err)
		}
		log.WithField("asset", target).Debug("precached asset")
	}

	w.setState(StateInstalled)
	return nil
}

// Activate deletes every partition the current version does not use.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	keep := make(map[string]struct{})
	for _, name := range w.Partitions() {
		keep[name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := w.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
		log.WithField("partition", name).Info("deleted old cache partition")
	}

	w.setState(StateActivated)
	return nil
}

// SkipWaiting activates an installed version immediately.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	switch w.State() {
	case StateInstalled:
		return w.Activate(ctx)
	case StateActivated:
		return nil
	default:
		return fmt.Errorf("cannot skip waiting in state %s", w.State())
	}
}

// Wait blocks until background cache writes have finished.
func (w *Worker) Wait() {
	w.engine.Wait()
}

// Close cancels running commands and waits for them and for pending cache
// writes. Commands arriving afterwards start cancelled.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.shutdown()
	w.commands.Wait()
	w.engine.Wait()
}

func (w *Worker) olderVersions(ctx context.Context) ([]string, error) {
	names, err := w.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var older []string
	for _, name := range names {
		if name == w.StaticPartition() || name == w.DynamicPartition() {
			continue
		}
		if strings.HasPrefix(name, staticPrefix) || strings.HasPrefix(name, dynamicPrefix) {
			older = append(older, name)
		}
	}
	return older, nil
}

func (w *Worker) offlinePage(ctx context.Context) (*cachestore.Response, bool) {
	if w.opts.OfflinePage == "" {
		return nil, false
	}
	key, err := resolveAsset(w.opts.Origin, w.opts.OfflinePage)
	if err != nil {
		return nil, false
	}
	static, err := w.store.Open(ctx, w.StaticPartition())
	if err != nil {
		return nil, false
	}
	resp, ok, err := static.Match(ctx, cachestore.Key(key))
	if err != nil || !ok {
		return nil, false
	}
	return resp, true
}

func resolveAsset(origin, asset string) (string, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return "", fmt.Errorf("invalid asset %q: %w", asset, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(origin)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("asset %q needs an absolute origin, got %q", asset, origin)
	}
	return base.ResolveReference(ref).String(), nil
}
