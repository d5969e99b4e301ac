package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher performs the network leg of an intercepted request.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// OriginFetcher forwards requests to the configured origin.
type OriginFetcher struct {
	base   *url.URL
	client httpDoer
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewOriginFetcher validates the origin URL. When client is nil a client with
// the given timeout is created; the timeout covers reading the body too.
func NewOriginFetcher(origin string, timeout time.Duration, client httpDoer) (*OriginFetcher, error) {
	base, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("runtime: parse origin: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("runtime: origin scheme %q not supported", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("runtime: origin host required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &OriginFetcher{base: base, client: client}, nil
}

// Origin returns the base URL requests are forwarded to.
func (f *OriginFetcher) Origin() string { return f.base.String() }

// Fetch forwards r to the origin. Any resolved response is returned, whatever
// its status; only transport failures produce an error.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := f.target(r.URL)
	body := r.Body
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		body = nil
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("runtime: build origin request: %w", err)
	}
	if body != nil {
		out.ContentLength = r.ContentLength
	}
	for k, vv := range r.Header {
		out.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(out.Header)

	if clientIP := remoteIP(r.RemoteAddr); clientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("runtime: origin %s %s: %w", r.Method, target.Path, err)
	}
	return resp, nil
}

func (f *OriginFetcher) target(in *url.URL) *url.URL {
	out := *f.base
	path, rawQuery := "/", ""
	if in != nil {
		path, rawQuery = in.Path, in.RawQuery
	}
	out.Path = singleJoiningSlash(f.base.Path, path)
	out.RawPath = ""
	out.RawQuery = rawQuery
	out.Fragment = ""
	return &out
}

func removeHopHeaders(header http.Header) {
	for _, connHeader := range header.Values("Connection") {
		for _, name := range strings.Split(connHeader, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func remoteIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
