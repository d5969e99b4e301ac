package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	sprig "github.com/Masterminds/sprig/v3"
)

// blockedHelpers are sprig functions that read the process environment or the
// filesystem without going through the sandbox.
var blockedHelpers = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles the HTML documents served when a request cannot be
// answered from the network or the cache. Output is escaped by context, so a
// request path echoed into the page cannot inject markup.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Document is a compiled page. It is safe for concurrent use.
type Document struct {
	name string
	tmpl *template.Template
}

// NewRenderer binds the sprig helpers to sandbox. env and expandenv only see
// the variables the sandbox exposes; with a nil sandbox they see nothing and
// file documents are unavailable.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.HtmlFuncMap()
	for _, name := range blockedHelpers {
		delete(funcs, name)
	}
	funcs["env"] = func(key string) string {
		return sandbox.Environment()[key]
	}
	funcs["expandenv"] = func(input string) string {
		env := sandbox.Environment()
		return os.Expand(input, func(key string) string { return env[key] })
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Parse compiles an inline document.
func (r *Renderer) Parse(name, source string) (*Document, error) {
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Document{name: name, tmpl: tmpl}, nil
}

// ParseFile compiles a document stored under the sandbox root.
func (r *Renderer) ParseFile(path string) (*Document, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file documents require a templates folder")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.Parse(filepath.Base(resolved), string(contents))
}

// Execute renders the document for one unanswered request.
func (d *Document) Execute(data UnavailableData) (string, error) {
	if d == nil {
		return "", errors.New("templates: nil document")
	}
	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", d.name, err)
	}
	return buf.String(), nil
}
