package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each partition in a hash, plus a set listing the
// partition names, so several daemons can share one cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

type redisPartition struct {
	client *redis.Client
	name   string
	key    string
}

func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	store := NewRedisStoreWithClient(client, prefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient uses an existing client; Close leaves it open.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "hls-offline"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) namesKey() string {
	return s.prefix + ":partitions"
}

func (s *RedisStore) partitionKey(name string) string {
	return s.prefix + ":partition:" + name
}

func (s *RedisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("register partition %s: %w", name, err)
	}
	return &redisPartition{client: s.client, name: name, key: s.partitionKey(name)}, nil
}

func (s *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.SIsMember(ctx, s.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("check partition %s: %w", name, err)
	}
	return exists, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	pipe := s.client.TxPipeline()
	removed := pipe.SRem(ctx, s.namesKey(), name)
	pipe.Del(ctx, s.partitionKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Match(ctx context.Context, key string) (*Response, bool, error) {
	data, err := p.client.HGet(ctx, p.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis HGET %s: %w", key, err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode cached entry %s: %w", key, err)
	}
	return &resp, true, nil
}

func (p *redisPartition) Put(ctx context.Context, key string, resp *Response) error {
	if key == "" || resp == nil {
		return nil
	}
	data, err := json.Marshal(prepare(resp))
	if err != nil {
		return fmt.Errorf("encode cached entry %s: %w", key, err)
	}
	if err := p.client.HSet(ctx, p.key, key, data).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.client.HDel(ctx, p.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis HDEL %s: %w", key, err)
	}
	return n > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.client.HKeys(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HKEYS %s: %w", p.key, err)
	}
	sort.Strings(keys)
	return keys, nil
}
