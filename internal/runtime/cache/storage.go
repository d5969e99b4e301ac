// Package cache implements named response stores keyed by request identity.
// A Storage holds any number of stores; the interceptor owns exactly one per
// worker version and deletes the others on activation.
package cache

import (
	"context"
	"errors"
	"fmt"
)

// ErrStoreNotFound is returned by store operations after the store was deleted
// from its storage.
var ErrStoreNotFound = errors.New("cache: store not found")

// Store is a single named collection of request/response pairs.
type Store interface {
	Name() string
	Match(ctx context.Context, key string) (Snapshot, bool, error)
	Put(ctx context.Context, key string, snapshot Snapshot) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage manages the named stores. Open creates the store when absent, Keys
// reports names in creation order and Match searches every store, oldest
// first, returning the name of the store that answered.
type Storage interface {
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Match(ctx context.Context, key string) (Snapshot, string, bool, error)
	Close(ctx context.Context) error
}

// storeLookup resolves an existing store without creating it.
type storeLookup func(ctx context.Context, name string) (Store, bool, error)

func matchInOrder(ctx context.Context, names []string, lookup storeLookup, key string) (Snapshot, string, bool, error) {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, "", false, err
		}
		store, ok, err := lookup(ctx, name)
		if err != nil {
			return Snapshot{}, "", false, fmt.Errorf("cache: open %s: %w", name, err)
		}
		if !ok {
			continue
		}
		snapshot, hit, err := store.Match(ctx, key)
		if err != nil {
			if errors.Is(err, ErrStoreNotFound) {
				continue
			}
			return Snapshot{}, "", false, err
		}
		if hit {
			return snapshot, name, true, nil
		}
	}
	return Snapshot{}, "", false, nil
}
