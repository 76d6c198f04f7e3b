package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is the durable key/blob boundary. Values are opaque bytes; callers
// decide the encoding.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: map[string][]byte{}}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *InMemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := []string{}
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			ret = append(ret, k)
		}
	}
	sort.Strings(ret)
	return ret, nil
}

func (s *InMemoryStore) Close() error { return nil }

// Scoped namespaces every key under a per-user prefix, so several users can
// share one backing store.
type Scoped struct {
	inner  Store
	prefix string
}

var _ Store = (*Scoped)(nil)

func NewScoped(inner Store, scope string) *Scoped {
	return &Scoped{inner: inner, prefix: scope + ":"}
}

func (s *Scoped) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *Scoped) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}

func (s *Scoped) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}

// Close does not close the shared inner store.
func (s *Scoped) Close() error { return nil }
