package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// DefaultDatePattern is the pattern used by the document list.
const DefaultDatePattern = "MMM d, yyyy"

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(funcs()).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"formatDate": func(t time.Time, pattern ...string) string {
			p := DefaultDatePattern
			if len(pattern) > 0 && pattern[0] != "" {
				p = pattern[0]
			}
			return FormatDate(t, p)
		},
		"inc":       func(i int) int { return i + 1 },
		"humanSize": HumanSize,
	}
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// HumanSize formats a byte count with binary units. Negative counts read as zero.
func HumanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
