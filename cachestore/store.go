// Package cachestore holds named partitions of cached GET responses keyed by
// request URL. Every single-entry operation is atomic; sequences of
// operations across entries are not.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

var (
	ErrNotCacheable = errors.New("only GET requests are cacheable")
	ErrInvalidName  = errors.New("invalid partition name")
	ErrClosed       = errors.New("cache store closed")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,120}$`)

// Response is a cached response. Body is held in full.
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// Clone returns a deep copy so a cached entry and the copy handed to a caller
// never share a body.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
}

// Partition is one named region of the store.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Store opens and manages partitions.
type Store interface {
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// KeyFor returns the cache key of a request. Only GET requests have one.
func KeyFor(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", ErrNotCacheable
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return "", ErrNotCacheable
	}
	return Key(req.URL.String()), nil
}

// Key returns the canonical form of a URL key: the form a parsed request URL
// prints as. Keys built from raw strings and keys built from requests agree.
func Key(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.String()
}

func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func prepare(resp *Response) *Response {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	return stored
}
