package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore maps every partition to a bucket of a single bbolt database.
type BoltStore struct {
	db *bolt.DB
}

type boltPartition struct {
	db   *bolt.DB
	name string
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Open(_ context.Context, name string) (Partition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &boltPartition{db: s.db, name: name}, nil
}

func (s *BoltStore) Has(_ context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) Delete(_ context.Context, name string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		deleted = true
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return deleted, nil
}

func (s *BoltStore) Names(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (p *boltPartition) Name() string { return p.name }

func (p *boltPartition) Match(_ context.Context, key string) (*Response, bool, error) {
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p.name))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, false, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode cached entry %s: %w", key, err)
	}
	return &resp, true, nil
}

func (p *boltPartition) Put(_ context.Context, key string, resp *Response) error {
	if key == "" || resp == nil {
		return nil
	}
	data, err := json.Marshal(prepare(resp))
	if err != nil {
		return fmt.Errorf("encode cached entry %s: %w", key, err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(p.name))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (p *boltPartition) Delete(_ context.Context, key string) (bool, error) {
	var deleted bool
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p.name))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	return deleted, err
}

func (p *boltPartition) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
