package cachestore

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Janitor periodically removes entries older than Retention from the named
// partitions.
type Janitor struct {
	Interval  time.Duration
	Retention time.Duration
	// Open, when set, replaces store.Open so wrapped partitions (a Limit
	// cap, for instance) see the deletions.
	Open func(ctx context.Context, name string) (Partition, error)

	store      Store
	partitions func() []string
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor builds a janitor. partitions is called on every pass so renamed
// partitions (after a version rotation) are picked up.
func NewJanitor(store Store, interval, retention time.Duration, partitions func() []string) *Janitor {
	return &Janitor{
		Interval:   interval,
		Retention:  retention,
		store:      store,
		partitions: partitions,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the janitor until Stop is called. It is a no-op when either the
// interval or the retention is not positive.
func (j *Janitor) Start() {
	if j.Interval <= 0 || j.Retention <= 0 {
		close(j.done)
		return
	}
	go j.run()
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.Clean(context.Background())
		case <-j.stop:
			return
		}
	}
}

func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
}

func (j *Janitor) open(ctx context.Context, name string) (Partition, error) {
	if j.Open != nil {
		return j.Open(ctx, name)
	}
	return j.store.Open(ctx, name)
}

// Clean does one pass and returns how many entries were removed.
func (j *Janitor) Clean(ctx context.Context) int {
	cutoff := j.now().Add(-j.Retention)
	removed := 0
	for _, name := range j.partitions() {
		exists, err := j.store.Has(ctx, name)
		if err != nil || !exists {
			continue
		}
		partition, err := j.open(ctx, name)
		if err != nil {
			log.Warnf("janitor: open partition %s: %v", name, err)
			continue
		}
		keys, err := partition.Keys(ctx)
		if err != nil {
			log.Warnf("janitor: list partition %s: %v", name, err)
			continue
		}
		for _, key := range keys {
			resp, ok, err := partition.Match(ctx, key)
			if err != nil || !ok || !resp.StoredAt.Before(cutoff) {
				continue
			}
			if deleted, err := partition.Delete(ctx, key); err == nil && deleted {
				removed++
			}
		}
	}
	if removed > 0 {
		log.WithField("removed", removed).Debug("janitor removed expired cache entries")
	}
	return removed
}
