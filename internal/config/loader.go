package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/v2"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty configuration files the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":     "server.logging.correlationHeader",
			"server.templates.templatesfolder":     "server.templates.templatesFolder",
			"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
			"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
			"origin.timeoutseconds":                "origin.timeoutSeconds",
			"worker.fallbackpath":                  "worker.fallbackPath",
			"worker.storepolicy":                   "worker.storePolicy",
			"worker.unavailable.bodyfile":          "worker.unavailable.bodyFile",
			"cache.redis.tls.cafile":               "cache.redis.tls.caFile",
			"cache.s3.usepathstyle":                "cache.s3.usePathStyle",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (WORKER__VERSION -> worker.version).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
			},
		},
		"origin": map[string]any{
			"url":            cfg.Origin.URL,
			"timeoutSeconds": cfg.Origin.TimeoutSeconds,
		},
		"worker": map[string]any{
			"version":      cfg.Worker.Version,
			"precache":     append([]string(nil), cfg.Worker.Precache...),
			"fallbackPath": cfg.Worker.FallbackPath,
			"storePolicy":  cfg.Worker.StorePolicy,
			"unavailable": map[string]any{
				"status":   cfg.Worker.Unavailable.Status,
				"body":     cfg.Worker.Unavailable.Body,
				"bodyFile": cfg.Worker.Unavailable.BodyFile,
			},
		},
		"cache": map[string]any{
			"backend":   cfg.Cache.Backend,
			"namespace": cfg.Cache.Namespace,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"disk": map[string]any{
				"directory": cfg.Cache.Disk.Directory,
			},
			"s3": map[string]any{
				"bucket":       cfg.Cache.S3.Bucket,
				"prefix":       cfg.Cache.S3.Prefix,
				"region":       cfg.Cache.S3.Region,
				"endpoint":     cfg.Cache.S3.Endpoint,
				"usePathStyle": cfg.Cache.S3.UsePathStyle,
			},
		},
	}
}
