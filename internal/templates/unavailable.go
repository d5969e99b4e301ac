package templates

import (
	"net/http"
	"strings"
	"time"
)

// DefaultUnavailableBody is served when the network, the cache and the stored
// fallback page all fail to produce a response.
const DefaultUnavailableBody = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>{{ .Path }} could not be loaded and no saved copy is available.</p>
<p><small>{{ .Version }} &middot; {{ dateInZone "2006-01-02 15:04:05Z07:00" .Time "UTC" }}</small></p>
</body>
</html>
`

// UnavailableData is the template context for the unavailable document.
type UnavailableData struct {
	Method  string
	Path    string
	Version string
	Status  int
	Time    time.Time
}

// UnavailablePage renders the last-resort document with its status code.
type UnavailablePage struct {
	status int
	doc    *Document
}

// NewUnavailablePage compiles the document from an inline body or a sandboxed
// file, falling back to DefaultUnavailableBody when both are empty.
func NewUnavailablePage(renderer *Renderer, status int, body, bodyFile string) (*UnavailablePage, error) {
	if renderer == nil {
		renderer = NewRenderer(nil)
	}
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	var (
		doc *Document
		err error
	)
	switch {
	case strings.TrimSpace(bodyFile) != "":
		doc, err = renderer.ParseFile(bodyFile)
	case strings.TrimSpace(body) != "":
		doc, err = renderer.Parse("unavailable", body)
	default:
		doc, err = renderer.Parse("unavailable", DefaultUnavailableBody)
	}
	if err != nil {
		return nil, err
	}
	return &UnavailablePage{status: status, doc: doc}, nil
}

// Status is the HTTP status the document is served with.
func (p *UnavailablePage) Status() int {
	if p == nil || p.status == 0 {
		return http.StatusServiceUnavailable
	}
	return p.status
}

// Render executes the template. A nil page or a failing template yields a
// plain-text message so callers always have something to send.
func (p *UnavailablePage) Render(data UnavailableData) (string, error) {
	if data.Status == 0 {
		data.Status = p.Status()
	}
	if data.Time.IsZero() {
		data.Time = time.Now().UTC()
	}
	if p == nil || p.doc == nil {
		return http.StatusText(p.Status()), nil
	}
	out, err := p.doc.Execute(data)
	if err != nil {
		return http.StatusText(p.Status()), err
	}
	return out, nil
}
