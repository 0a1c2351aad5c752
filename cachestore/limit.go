package cachestore

import (
	"container/list"
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LimitedPartition evicts least recently used entries once the total body
// size of the wrapped partition exceeds maxBytes. Writes, deletes and the
// evictions they trigger run one at a time; reads only take mu.
type LimitedPartition struct {
	Partition
	maxBytes int64

	writeMu sync.Mutex

	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	curSize int64
}

type limitItem struct {
	key  string
	size int64
}

// Limit wraps p with a size cap. A cap of zero or less returns p unchanged.
// Existing entries are accounted for oldest first.
func Limit(ctx context.Context, p Partition, maxBytes int64) (Partition, error) {
	if maxBytes <= 0 {
		return p, nil
	}

	l := &LimitedPartition{
		Partition: p,
		maxBytes:  maxBytes,
		items:     make(map[string]*list.Element),
		order:     list.New(),
	}

	keys, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	type seeded struct {
		key  string
		resp *Response
	}
	existing := make([]seeded, 0, len(keys))
	for _, key := range keys {
		resp, ok, err := p.Match(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			existing = append(existing, seeded{key: key, resp: resp})
		}
	}
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].resp.StoredAt.Before(existing[j].resp.StoredAt)
	})
	for _, entry := range existing {
		l.touch(entry.key, entry.resp.Size())
	}
	l.evict(ctx)
	return l, nil
}

func (l *LimitedPartition) Match(ctx context.Context, key string) (*Response, bool, error) {
	resp, ok, err := l.Partition.Match(ctx, key)
	if err != nil || !ok {
		return resp, ok, err
	}
	l.mu.Lock()
	if elem, tracked := l.items[key]; tracked {
		l.order.MoveToFront(elem)
	}
	l.mu.Unlock()
	return resp, ok, nil
}

func (l *LimitedPartition) Put(ctx context.Context, key string, resp *Response) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.Partition.Put(ctx, key, resp); err != nil {
		return err
	}
	l.touch(key, resp.Size())
	l.evict(ctx)
	return nil
}

func (l *LimitedPartition) Delete(ctx context.Context, key string) (bool, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deleted, err := l.Partition.Delete(ctx, key)
	if err != nil {
		return deleted, err
	}
	l.forget(key)
	return deleted, nil
}

// Size returns the accounted byte size.
func (l *LimitedPartition) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curSize
}

func (l *LimitedPartition) touch(key string, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		item := elem.Value.(*limitItem)
		l.curSize += size - item.size
		item.size = size
		l.order.MoveToFront(elem)
		return
	}
	l.items[key] = l.order.PushFront(&limitItem{key: key, size: size})
	l.curSize += size
}

func (l *LimitedPartition) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.curSize -= elem.Value.(*limitItem).size
		delete(l.items, key)
		l.order.Remove(elem)
	}
}

// evict runs with writeMu held, so no Put can re-add a victim before it is
// deleted.
func (l *LimitedPartition) evict(ctx context.Context) {
	var victims []string
	l.mu.Lock()
	for l.curSize > l.maxBytes && l.order.Len() > 1 {
		oldest := l.order.Back()
		item := oldest.Value.(*limitItem)
		l.curSize -= item.size
		delete(l.items, item.key)
		l.order.Remove(oldest)
		victims = append(victims, item.key)
	}
	l.mu.Unlock()

	for _, key := range victims {
		if _, err := l.Partition.Delete(ctx, key); err != nil {
			log.WithFields(log.Fields{"partition": l.Name(), "key": key}).Warnf("evict cache entry: %v", err)
		}
	}
}
