// Package prompts holds the versioned prompt templates for every agent.
// Templates are data, not code: they are keyed by (agent, mode) through the
// file name and rendered with text/template.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tmpl
var files embed.FS

var templates = template.Must(template.ParseFS(files, "*.tmpl"))

// Render executes the named template with the given data.
func Render(name string, data any) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// MustRender panics on template errors; used for templates whose data shape
// is fixed at compile time.
func MustRender(name string, data any) string {
	out, err := Render(name, data)
	if err != nil {
		panic(err)
	}
	return out
}
