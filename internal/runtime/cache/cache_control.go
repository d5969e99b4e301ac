package cache

import (
	"strconv"
	"strings"
)

// CacheControl holds the Cache-Control directives a store policy can inspect.
type CacheControl struct {
	MaxAge  *int // max-age seconds
	SMaxAge *int // s-maxage seconds
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header value. Unknown directives and
// malformed ages are ignored.
func ParseCacheControl(header string) CacheControl {
	var directive CacheControl
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if hasValue {
			seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
			if err != nil || seconds < 0 {
				continue
			}
			switch key {
			case "max-age":
				directive.MaxAge = &seconds
			case "s-maxage":
				directive.SMaxAge = &seconds
			}
			continue
		}
		switch key {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}
	return directive
}

// Map renders the directives for expression activations. Missing ages are -1.
func (d CacheControl) Map() map[string]any {
	maxAge, sMaxAge := int64(-1), int64(-1)
	if d.MaxAge != nil {
		maxAge = int64(*d.MaxAge)
	}
	if d.SMaxAge != nil {
		sMaxAge = int64(*d.SMaxAge)
	}
	return map[string]any{
		"maxAge":  maxAge,
		"sMaxAge": sMaxAge,
		"noCache": d.NoCache,
		"noStore": d.NoStore,
		"private": d.Private,
	}
}
