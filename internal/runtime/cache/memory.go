package cache

import (
	"context"
	"sync"
	"time"
)

type memoryStorage struct {
	mu     sync.RWMutex
	order  []string
	stores map[string]*memoryStore
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	deleted bool
	keys    []string
	entries map[string]Snapshot
}

// NewMemory returns a process-local storage. Contents are lost on restart.
func NewMemory() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	store := &memoryStore{name: name, entries: make(map[string]Snapshot)}
	s.stores[name] = store
	s.order = append(s.order, name)
	return store, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)
	for i, candidate := range s.order {
		if candidate == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	store.mu.Lock()
	store.deleted = true
	store.entries = nil
	store.keys = nil
	store.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Match(ctx context.Context, key string) (Snapshot, string, bool, error) {
	names, _ := s.Keys(ctx)
	return matchInOrder(ctx, names, s.lookup, key)
}

func (s *memoryStorage) lookup(_ context.Context, name string) (Store, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[name]
	return store, ok, nil
}

func (s *memoryStorage) Close(context.Context) error {
	return nil
}

func (c *memoryStore) Name() string { return c.name }

func (c *memoryStore) Match(_ context.Context, key string) (Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return Snapshot{}, false, ErrStoreNotFound
	}
	snapshot, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return snapshot.Clone(), true, nil
}

func (c *memoryStore) Put(_ context.Context, key string, snapshot Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrStoreNotFound
	}
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	if _, exists := c.entries[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.entries[key] = snapshot.Clone()
	return nil
}

func (c *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return false, ErrStoreNotFound
	}
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	for i, candidate := range c.keys {
		if candidate == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

func (c *memoryStore) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return nil, ErrStoreNotFound
	}
	return append([]string(nil), c.keys...), nil
}
