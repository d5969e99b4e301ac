package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option plus the worker definition it serves.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Origin OriginConfig `koanf:"origin"`
	Worker WorkerConfig `koanf:"worker"`
	Cache  CacheConfig  `koanf:"cache"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig captures the template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// OriginConfig points the network fetcher at the site being fronted.
type OriginConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout converts the configured seconds into a duration.
func (o OriginConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// WorkerConfig describes one versioned interceptor: which store it owns, what
// it pre-caches on install and how it degrades when offline.
type WorkerConfig struct {
	Version      string            `koanf:"version"`
	Precache     []string          `koanf:"precache"`
	FallbackPath string            `koanf:"fallbackPath"`
	StorePolicy  string            `koanf:"storePolicy"`
	Unavailable  UnavailableConfig `koanf:"unavailable"`
}

// UnavailableConfig shapes the document served when neither the network, the
// cache nor the fallback page can answer.
type UnavailableConfig struct {
	Status   int    `koanf:"status"`
	Body     string `koanf:"body"`
	BodyFile string `koanf:"bodyFile"`
}

// Equal reports whether two worker definitions would produce the same worker.
func (w WorkerConfig) Equal(other WorkerConfig) bool {
	if w.Version != other.Version || w.FallbackPath != other.FallbackPath || w.StorePolicy != other.StorePolicy {
		return false
	}
	if w.Unavailable != other.Unavailable {
		return false
	}
	if len(w.Precache) != len(other.Precache) {
		return false
	}
	for i := range w.Precache {
		if w.Precache[i] != other.Precache[i] {
			return false
		}
	}
	return true
}

type CacheConfig struct {
	Backend   string           `koanf:"backend"`
	Namespace string           `koanf:"namespace"`
	Redis     RedisCacheConfig `koanf:"redis"`
	Disk      DiskCacheConfig  `koanf:"disk"`
	S3        S3CacheConfig    `koanf:"s3"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type DiskCacheConfig struct {
	Directory string `koanf:"directory"`
}

type S3CacheConfig struct {
	Bucket       string `koanf:"bucket"`
	Prefix       string `koanf:"prefix"`
	Region       string `koanf:"region"`
	Endpoint     string `koanf:"endpoint"`
	UsePathStyle bool   `koanf:"usePathStyle"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if err := c.Origin.validate(); err != nil {
		return err
	}
	if err := c.Worker.validate(); err != nil {
		return err
	}
	return c.Cache.validate()
}

func (o OriginConfig) validate() error {
	raw := strings.TrimSpace(o.URL)
	if raw == "" {
		return errors.New("config: origin.url required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: origin.url invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: origin.url scheme unsupported: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("config: origin.url missing host: %s", raw)
	}
	if o.TimeoutSeconds < 0 {
		return fmt.Errorf("config: origin.timeoutSeconds invalid: %d", o.TimeoutSeconds)
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if strings.TrimSpace(w.Version) == "" {
		return errors.New("config: worker.version required")
	}
	for i, path := range w.Precache {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("config: worker.precache[%d] must be an absolute path: %q", i, path)
		}
	}
	if w.FallbackPath != "" && !strings.HasPrefix(w.FallbackPath, "/") {
		return fmt.Errorf("config: worker.fallbackPath must be an absolute path: %q", w.FallbackPath)
	}
	if status := w.Unavailable.Status; status != 0 && (status < 400 || status > 599) {
		return fmt.Errorf("config: worker.unavailable.status invalid: %d", status)
	}
	if w.Unavailable.Body != "" && w.Unavailable.BodyFile != "" {
		return errors.New("config: worker.unavailable body and bodyFile are mutually exclusive")
	}
	return nil
}

func (c CacheConfig) validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("config: cache.namespace required")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "disk":
		if strings.TrimSpace(c.Disk.Directory) == "" {
			return errors.New("config: cache.disk.directory required for disk backend")
		}
	case "s3":
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return errors.New("config: cache.s3.bucket required for s3 backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values: a site on localhost:3000 fronted
// on :8080 with the two-entry pre-cache list.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Origin: OriginConfig{
			URL:            "http://127.0.0.1:3000",
			TimeoutSeconds: 10,
		},
		Worker: WorkerConfig{
			Version:      "pwa-cache-v1",
			Precache:     []string{"/", "/offline.html"},
			FallbackPath: "/offline.html",
			Unavailable: UnavailableConfig{
				Status: 503,
			},
		},
		Cache: CacheConfig{
			Backend:   "memory",
			Namespace: "offlineshim",
			Disk: DiskCacheConfig{
				Directory: "./cache",
			},
		},
	}
}
