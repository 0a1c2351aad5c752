package cachestore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	bodySuffix = ".seg"
	metaSuffix = ".meta"
)

// FileStore keeps one directory per partition. Each entry is a body file and
// a JSON sidecar holding the key, status and headers.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

type filePartition struct {
	store *FileStore
	name  string
	root  string
}

type fileMeta struct {
	Key      string              `json:"key"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	StoredAt time.Time           `json:"storedAt"`
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Open(_ context.Context, name string) (Partition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	root := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}
	return &filePartition{store: s, name: name, root: root}, nil
}

func (s *FileStore) Has(_ context.Context, name string) (bool, error) {
	if ValidateName(name) != nil {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect partition %s: %w", name, err)
	}
	return info.IsDir(), nil
}

func (s *FileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.baseDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *FileStore) Names(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && ValidateName(entry.Name()) == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Close() error { return nil }

func (p *filePartition) Name() string { return p.name }

func (p *filePartition) pathFor(key string) string {
	sum := sha1.Sum([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(p.root, hexKey[:2], hexKey[2:])
}

func (p *filePartition) Match(_ context.Context, key string) (*Response, bool, error) {
	base := p.pathFor(key)
	meta, err := readMeta(base + metaSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if meta.Key != key {
		// sha1 collision, treat as a miss
		return nil, false, nil
	}
	body, err := os.ReadFile(base + bodySuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached body: %w", err)
	}
	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, true, nil
}

func (p *filePartition) Put(_ context.Context, key string, resp *Response) error {
	if key == "" || resp == nil {
		return nil
	}
	stored := prepare(resp)

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	base := p.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return fmt.Errorf("create entry path: %w", err)
	}

	meta, err := json.Marshal(fileMeta{
		Key:      key,
		Status:   stored.Status,
		Header:   stored.Header,
		StoredAt: stored.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}

	// body first so a visible sidecar always has its body
	if err := writeAtomic(base+bodySuffix, stored.Body); err != nil {
		return err
	}
	return writeAtomic(base+metaSuffix, meta)
}

func (p *filePartition) Delete(_ context.Context, key string) (bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	base := p.pathFor(key)
	meta, err := readMeta(base + metaSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if meta.Key != key {
		return false, nil
	}
	if err := os.Remove(base + metaSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove entry metadata: %w", err)
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("remove cached body %s: %v", base, err)
	}
	cleanupEmptyDirs(filepath.Dir(base), p.root)
	return true, nil
}

func (p *filePartition) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		meta, err := readMeta(path)
		if err != nil {
			log.Warnf("skip unreadable cache entry %s: %v", path, err)
			return nil
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk partition %s: %w", p.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func readMeta(path string) (*fileMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode entry metadata %s: %w", path, err)
	}
	return &meta, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize file: %w", err)
	}
	return nil
}

func cleanupEmptyDirs(start, stop string) {
	stop = filepath.Clean(stop)
	current := filepath.Clean(start)
	for {
		if current == stop || current == string(filepath.Separator) {
			return
		}
		entries, err := os.ReadDir(current)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(current); err != nil {
			return
		}
		next := filepath.Dir(current)
		if next == current {
			return
		}
		current = next
	}
}
