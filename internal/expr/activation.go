package expr

import (
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/offlineshim/internal/runtime/cache"
)

// RequestContext flattens the request into the map exposed as `request`:
// method, path, query, headers (lower-cased, first value) and host.
func RequestContext(r *http.Request) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	query := make(map[string]any)
	if r.URL != nil {
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				query[key] = values[0]
			}
		}
	}
	path := ""
	if r.URL != nil {
		path = r.URL.Path
	}
	return map[string]any{
		"method":  strings.ToUpper(r.Method),
		"path":    path,
		"host":    r.Host,
		"query":   query,
		"headers": flattenHeader(r.Header),
	}
}

// ResponseContext exposes the origin response as `response`, including its
// parsed Cache-Control directives under cacheControl.
func ResponseContext(status int, header http.Header, size int) map[string]any {
	return map[string]any{
		"status":       int64(status),
		"headers":      flattenHeader(header),
		"size":         int64(size),
		"cacheControl": cache.ParseCacheControl(header.Get("Cache-Control")).Map(),
	}
}

// Activation assembles the variables a store policy is evaluated against.
func Activation(request, response map[string]any, now time.Time) map[string]any {
	return map[string]any{
		"request":  request,
		"response": response,
		"now":      now.UTC(),
	}
}

func flattenHeader(header http.Header) map[string]any {
	out := make(map[string]any, len(header))
	for key, values := range header {
		if len(values) > 0 {
			out[strings.ToLower(key)] = values[0]
		}
	}
	return out
}
