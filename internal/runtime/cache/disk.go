package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	diskMarkerFile  = ".store"
	diskEntrySuffix = ".entry"
	diskLockFile    = ".lock"
)

// diskStorage lays stores out as one directory per store (hex encoded name)
// holding a creation marker and one msgpack file per entry. Mutations hold the
// directory-wide file lock so several processes can share a cache directory;
// every file is written to a temp path first and renamed into place, so
// readers never observe partial entries and do not take the lock.
type diskStorage struct {
	root   string
	lock   *flock.Flock
	logger *slog.Logger

	mu sync.Mutex
}

type diskStore struct {
	storage *diskStorage
	name    string
	dir     string
}

// NewDisk prepares the cache directory and its lock file.
func NewDisk(root string, logger *slog.Logger) (Storage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("cache: disk directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create disk directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve disk directory: %w", err)
	}
	return &diskStorage{
		root:   abs,
		lock:   flock.New(filepath.Join(abs, diskLockFile)),
		logger: logger,
	}, nil
}

// withLock serializes writers inside the process and across processes.
func (s *diskStorage) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("cache: disk lock: %w", err)
	}
	if !locked {
		return errors.New("cache: disk lock not acquired")
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("disk cache unlock failed", slog.Any("error", err))
		}
	}()
	return fn()
}

func (s *diskStorage) storeDir(name string) string {
	return filepath.Join(s.root, encodeName(name))
}

func (s *diskStorage) Open(ctx context.Context, name string) (Store, error) {
	dir := s.storeDir(name)
	store := &diskStore{storage: s, name: name, dir: dir}
	if _, err := os.Stat(filepath.Join(dir, diskMarkerFile)); err == nil {
		return store, nil
	}
	err := s.withLock(ctx, func() error {
		marker := filepath.Join(dir, diskMarkerFile)
		if _, err := os.Stat(marker); err == nil {
			return nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cache: create store directory: %w", err)
		}
		created := strconv.FormatInt(time.Now().UnixNano(), 10)
		return writeFileAtomic(marker, []byte(created))
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.storeDir(name), diskMarkerFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("cache: stat store %s: %w", name, err)
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := s.withLock(ctx, func() error {
		dir := s.storeDir(name)
		if _, err := os.Stat(filepath.Join(dir, diskMarkerFile)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("cache: stat store %s: %w", name, err)
		}
		// Drop the marker first so concurrent readers treat the store as gone
		// even if removing the entries fails halfway.
		if err := os.Remove(filepath.Join(dir, diskMarkerFile)); err != nil {
			return fmt.Errorf("cache: remove store marker %s: %w", name, err)
		}
		removed = true
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("cache: remove store %s: %w", name, err)
		}
		return nil
	})
	return removed, err
}

func (s *diskStorage) Keys(_ context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("cache: read disk directory: %w", err)
	}
	type named struct {
		name    string
		created int64
	}
	ordered := make([]named, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		name, err := decodeName(entry.Name())
		if err != nil {
			s.logger.Warn("ignoring foreign directory in disk cache", slog.String("directory", entry.Name()))
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, entry.Name(), diskMarkerFile))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("cache: read store marker %s: %w", name, err)
		}
		created, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: store %s has corrupt marker %q", name, raw)
		}
		ordered = append(ordered, named{name: name, created: created})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].created == ordered[j].created {
			return ordered[i].name < ordered[j].name
		}
		return ordered[i].created < ordered[j].created
	})
	names := make([]string, len(ordered))
	for i, entry := range ordered {
		names[i] = entry.name
	}
	return names, nil
}

func (s *diskStorage) Match(ctx context.Context, key string) (Snapshot, string, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return Snapshot{}, "", false, err
	}
	return matchInOrder(ctx, names, func(_ context.Context, name string) (Store, bool, error) {
		return &diskStore{storage: s, name: name, dir: s.storeDir(name)}, true, nil
	}, key)
}

func (s *diskStorage) Close(context.Context) error {
	return s.lock.Close()
}

func (c *diskStore) Name() string { return c.name }

func (c *diskStore) entryPath(key string) string {
	return filepath.Join(c.dir, hashKey(key)+diskEntrySuffix)
}

func (c *diskStore) exists(ctx context.Context) (bool, error) {
	return c.storage.Has(ctx, c.name)
}

func (c *diskStore) Match(ctx context.Context, key string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	payload, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			ok, statErr := c.exists(ctx)
			if statErr != nil {
				return Snapshot{}, false, statErr
			}
			if !ok {
				return Snapshot{}, false, ErrStoreNotFound
			}
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: read entry: %w", err)
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		c.storage.logger.Warn("disk cache entry corrupted, treating as miss",
			slog.String("store", c.name),
			slog.String("key", key),
			slog.Any("error", err))
		return Snapshot{}, false, nil
	}
	if rec.Key != key {
		return Snapshot{}, false, nil
	}
	return rec.Snapshot, true, nil
}

func (c *diskStore) Put(ctx context.Context, key string, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	payload, err := encodeRecord(key, snapshot)
	if err != nil {
		return err
	}
	return c.storage.withLock(ctx, func() error {
		ok, err := c.exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStoreNotFound
		}
		return writeFileAtomic(c.entryPath(key), payload)
	})
}

func (c *diskStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := c.storage.withLock(ctx, func() error {
		err := os.Remove(c.entryPath(key))
		if err == nil {
			removed = true
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cache: remove entry: %w", err)
	})
	return removed, err
}

func (c *diskStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("cache: read store directory: %w", err)
	}
	keys := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), diskEntrySuffix) {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("cache: read entry: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// writeFileAtomic writes to a sibling temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("cache: close temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cache: rename temp file: %w", err)
	}
	return nil
}
