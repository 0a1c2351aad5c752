package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(n int) []byte {
	return make([]byte, n)
}

func TestLimit_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	raw, err := store.Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	p, err := Limit(ctx, raw, 10)
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, "a", &Response{Status: 200, Body: body(4)}))
	require.NoError(t, p.Put(ctx, "b", &Response{Status: 200, Body: body(4)}))

	// touch a so b becomes the oldest
	_, ok, err := p.Match(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Put(ctx, "c", &Response{Status: 200, Body: body(4)}))

	keys, err := raw.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, keys)
	assert.Equal(t, int64(8), p.(*LimitedPartition).Size())
}

func TestLimit_NewestEntrySurvivesOversize(t *testing.T) {
	ctx := context.Background()
	raw, err := NewMemoryStore().Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	p, err := Limit(ctx, raw, 4)
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, "small", &Response{Status: 200, Body: body(2)}))
	require.NoError(t, p.Put(ctx, "huge", &Response{Status: 200, Body: body(16)}))

	_, ok, err := p.Match(ctx, "huge")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = p.Match(ctx, "small")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLimit_SeedsFromExistingEntries(t *testing.T) {
	ctx := context.Background()
	raw, err := NewMemoryStore().Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, raw.Put(ctx, "newer", &Response{Status: 200, Body: body(6), StoredAt: base.Add(time.Minute)}))
	require.NoError(t, raw.Put(ctx, "older", &Response{Status: 200, Body: body(6), StoredAt: base}))

	p, err := Limit(ctx, raw, 8)
	require.NoError(t, err)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"newer"}, keys)
}

func TestLimit_ZeroIsUnbounded(t *testing.T) {
	ctx := context.Background()
	raw, err := NewMemoryStore().Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	p, err := Limit(ctx, raw, 0)
	require.NoError(t, err)
	assert.Same(t, raw, p)
}

// deleteHook runs onDelete before each delete reaches the wrapped partition.
type deleteHook struct {
	Partition
	onDelete func(key string)
}

func (h *deleteHook) Delete(ctx context.Context, key string) (bool, error) {
	if h.onDelete != nil {
		h.onDelete(key)
	}
	return h.Partition.Delete(ctx, key)
}

func TestLimit_PutDuringEvictionStaysAccounted(t *testing.T) {
	ctx := context.Background()
	raw, err := NewMemoryStore().Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	hooked := &deleteHook{Partition: raw}
	p, err := Limit(ctx, hooked, 15)
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, "a", &Response{Status: 200, Body: body(10)}))

	done := make(chan error, 1)
	hooked.onDelete = func(key string) {
		if key != "a" || done == nil {
			return
		}
		ch := done
		done = nil
		go func() {
			ch <- p.Put(ctx, "a", &Response{Status: 200, Body: body(10)})
		}()
		// give the concurrent put a chance to run before the victim is deleted
		time.Sleep(20 * time.Millisecond)
	}
	result := done

	require.NoError(t, p.Put(ctx, "b", &Response{Status: 200, Body: body(10)}))
	require.NoError(t, <-result)

	keys, err := raw.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
	assert.Equal(t, int64(10), p.(*LimitedPartition).Size())
}
