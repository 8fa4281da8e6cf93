package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ReadFullDocument reads a converted document file from disk. Resolved paths
// must stay beneath the configured base path.
type ReadFullDocument struct {
	basePath string
	timeout  time.Duration
}

func NewReadFullDocument(basePath string, timeout time.Duration) *ReadFullDocument {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReadFullDocument{basePath: basePath, timeout: timeout}
}

func (t *ReadFullDocument) Name() string { return "read_full_document" }

func (t *ReadFullDocument) Description() string {
	return "Read the full Markdown text of a converted document from the document store."
}

func (t *ReadFullDocument) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filepath":          map[string]any{"type": "string", "description": "Path of the converted document, relative to the document store."},
			"original_filename": map[string]any{"type": "string", "description": "Original upload filename, for the result metadata."},
		},
		"required": []string{"filepath"},
	}
}

func (t *ReadFullDocument) Call(ctx context.Context, _ ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Filepath         string `json:"filepath"`
		OriginalFilename string `json:"original_filename"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if t.basePath == "" {
		return nil, fmt.Errorf("document reading is not configured")
	}
	resolved, err := t.resolve(params.Filepath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := os.ReadFile(resolved)
		ch <- readResult{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("read %s: %w", params.Filepath, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("read %s: %w", params.Filepath, res.err)
		}
		return map[string]any{
			"text":              string(res.data),
			"original_filename": params.OriginalFilename,
		}, nil
	}
}

// resolve joins the requested path under the base path and rejects anything
// that escapes it, including via symlinks.
func (t *ReadFullDocument) resolve(requested string) (string, error) {
	base, err := filepath.Abs(t.basePath)
	if err != nil {
		return "", err
	}
	if resolvedBase, err := filepath.EvalSymlinks(base); err == nil {
		base = resolvedBase
	}
	joined := requested
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(base, requested)
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the allowed document store", requested)
	}
	return abs, nil
}
