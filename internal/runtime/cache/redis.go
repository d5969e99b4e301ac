package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisStorage keeps a hash of store names (value = creation time in unix
// nanoseconds) and one hash per store mapping request keys to encoded
// snapshots.
type redisStorage struct {
	client    valkey.Client
	namespace string
}

type redisStore struct {
	storage *redisStorage
	name    string
}

func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "offlineshim"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStorage{client: client, namespace: namespace}, nil
}

func (s *redisStorage) indexKey() string { return s.namespace + ":stores" }

func (s *redisStorage) storeKey(name string) string { return s.namespace + ":store:" + name }

func (s *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	created := strconv.FormatInt(time.Now().UnixNano(), 10)
	cmd := s.client.B().Hsetnx().Key(s.indexKey()).Field(name).Value(created).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cache: redis open %s: %w", name, err)
	}
	return &redisStore{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	cmd := s.client.B().Hexists().Key(s.indexKey()).Field(name).Build()
	ok, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("cache: redis hexists: %w", err)
	}
	return ok, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.Do(ctx, s.client.B().Hdel().Key(s.indexKey()).Field(name).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis hdel %s: %w", name, err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.storeKey(name)).Build()).Error(); err != nil {
		return removed > 0, fmt.Errorf("cache: redis del %s: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	created, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.indexKey()).Build()).AsStrMap()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: redis hgetall: %w", err)
	}
	type named struct {
		name    string
		created int64
	}
	ordered := make([]named, 0, len(created))
	for name, raw := range created {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: redis store %s has corrupt creation time %q", name, raw)
		}
		ordered = append(ordered, named{name: name, created: ts})
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

func (s *redisStorage) Match(ctx context.Context, key string) (Snapshot, string, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return Snapshot{}, "", false, err
	}
	return matchInOrder(ctx, names, func(_ context.Context, name string) (Store, bool, error) {
		return &redisStore{storage: s, name: name}, true, nil
	}, key)
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (c *redisStore) Name() string { return c.name }

func (c *redisStore) Match(ctx context.Context, key string) (Snapshot, bool, error) {
	client := c.storage.client
	resp := client.Do(ctx, client.B().Hget().Key(c.storage.storeKey(c.name)).Field(key).Build())
	payload, err := resp.AsBytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: redis hget: %w", err)
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	return rec.Snapshot, true, nil
}

// putIfListed writes a snapshot only while the store is still in the index,
// so a write racing a store deletion cannot recreate the store's hash.
var putIfListed = valkey.NewLuaScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func (c *redisStore) Put(ctx context.Context, key string, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	payload, err := encodeRecord(key, snapshot)
	if err != nil {
		return err
	}
	written, err := putIfListed.Exec(ctx, c.storage.client,
		[]string{c.storage.indexKey(), c.storage.storeKey(c.name)},
		[]string{c.name, key, string(payload)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	if written == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (c *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	client := c.storage.client
	removed, err := client.Do(ctx, client.B().Hdel().Key(c.storage.storeKey(c.name)).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis hdel: %w", err)
	}
	return removed > 0, nil
}

func (c *redisStore) Keys(ctx context.Context) ([]string, error) {
	client := c.storage.client
	keys, err := client.Do(ctx, client.B().Hkeys().Key(c.storage.storeKey(c.name)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
