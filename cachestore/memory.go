package cachestore

import (
	"context"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	order   []string
	entries map[string]*Response
}

// MemoryStore keeps every partition in process memory.
type MemoryStore struct {
	partitions cmap.ConcurrentMap[string, *memoryPartition]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: cmap.New[*memoryPartition]()}
}

func newMemoryPartition(name string) *memoryPartition {
	return &memoryPartition{
		name:    name,
		order:   make([]string, 0),
		entries: make(map[string]*Response),
	}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Partition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return s.partitions.Upsert(name, nil, func(exist bool, inMap, _ *memoryPartition) *memoryPartition {
		if exist && inMap != nil {
			return inMap
		}
		return newMemoryPartition(name)
	}), nil
}

func (s *MemoryStore) Has(_ context.Context, name string) (bool, error) {
	return s.partitions.Has(name), nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	_, existed := s.partitions.Pop(name)
	return existed, nil
}

func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	names := s.partitions.Keys()
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error {
	s.partitions.Clear()
	return nil
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(_ context.Context, key string) (*Response, bool, error) {
	p.mu.RLock()
	resp, ok := p.entries[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (p *memoryPartition) Put(_ context.Context, key string, resp *Response) error {
	if key == "" || resp == nil {
		return nil
	}
	stored := prepare(resp)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; exists {
		p.remove(key)
	}
	p.entries[key] = stored
	p.order = append(p.order, key)
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; !exists {
		return false, nil
	}
	p.remove(key)
	return true, nil
}

// Keys are returned in insertion order.
func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...), nil
}

func (p *memoryPartition) remove(key string) {
	delete(p.entries, key)
	for i, existing := range p.order {
		if existing == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
