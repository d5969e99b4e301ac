package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox constrains template file lookups to a configured root and decides
// which environment variables templates may read.
type Sandbox struct {
	root       string
	allowEnv   bool
	allowedEnv []string
}

// NewSandbox initializes a sandbox rooted at the provided directory. The root
// must exist and be a directory so path validation can reliably guard against
// escape attempts via ".." or symlinks. Environment variables are exposed only
// when allowEnv is set, and then only the names listed in allowedEnv.
func NewSandbox(root string, allowEnv bool, allowedEnv []string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	allowed := make([]string, 0, len(allowedEnv))
	for _, name := range allowedEnv {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	return &Sandbox{root: abs, allowEnv: allowEnv, allowedEnv: allowed}, nil
}

// AllowedEnv lists the environment variable names templates may read.
func (s *Sandbox) AllowedEnv() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.allowedEnv...)
}

// Environment snapshots the allowed variables that are currently set.
func (s *Sandbox) Environment() map[string]string {
	env := make(map[string]string)
	if s == nil || !s.allowEnv {
		return env
	}
	for _, name := range s.allowedEnv {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// Resolve maps a document path, relative to the root or absolute, to its
// canonical location. Paths that leave the root, directly or through a
// symlink, are rejected.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: no templates folder configured")
	}
	candidate := filepath.Clean(path)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	canonical, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !s.contains(candidate) {
			return "", fmt.Errorf("templates: path %q escapes %s", path, s.root)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.contains(canonical) {
		return "", fmt.Errorf("templates: path %q escapes %s", path, s.root)
	}
	return canonical, nil
}

func (s *Sandbox) contains(candidate string) bool {
	rel, err := filepath.Rel(s.root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
