package controller

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"meridian/internal/agents"
	"meridian/internal/mission"
)

// SourceRef is one resolvable citation source.
type SourceRef struct {
	Key   string
	Title string
	URL   string
}

// Reference is one numbered entry of the final reference list.
type Reference struct {
	Number int
	SourceRef
}

var citationToken = regexp.MustCompile(`\[([A-Za-z0-9_.:/-]+)\]`)

// buildSourceIndex derives the citation key -> source mapping from the
// mission's notes. Internal notes contribute their aggregated original
// sources; the note itself is never citable.
func buildSourceIndex(notes []mission.Note) map[string]SourceRef {
	out := map[string]SourceRef{}
	add := func(key, title, url string) {
		if key == "" {
			return
		}
		if existing, ok := out[key]; ok {
			if existing.Title == "" && title != "" {
				existing.Title = title
				out[key] = existing
			}
			return
		}
		out[key] = SourceRef{Key: key, Title: title, URL: url}
	}
	for _, n := range notes {
		title, _ := n.SourceMetadata["title"].(string)
		switch n.SourceType {
		case mission.SourceDocument:
			if title == "" {
				title, _ = n.SourceMetadata["original_filename"].(string)
			}
			add(n.SourceID, title, "")
		case mission.SourceWeb:
			add(agents.HashURL(n.SourceID), title, n.SourceID)
		case mission.SourceInternal:
			if raw, ok := n.SourceMetadata["aggregated_original_sources"].([]any); ok {
				for _, item := range raw {
					if s, ok := item.(string); ok {
						add(s, "", "")
					}
				}
			}
		}
	}
	return out
}

// FinalizeCitations rewrites [key] placeholders to numbered [n] citations by
// first-occurrence order and returns the reference list. Keys absent from
// the index (including already-numeric citations) are left untouched, which
// makes finalization idempotent over finalized text.
func FinalizeCitations(body string, sources map[string]SourceRef) (string, []Reference) {
	numbers := map[string]int{}
	var refs []Reference
	out := citationToken.ReplaceAllStringFunc(body, func(m string) string {
		key := strings.Trim(m, "[]")
		if _, err := strconv.Atoi(key); err == nil {
			return m // already finalized
		}
		src, ok := sources[key]
		if !ok {
			return m
		}
		n, seen := numbers[key]
		if !seen {
			n = len(refs) + 1
			numbers[key] = n
			refs = append(refs, Reference{Number: n, SourceRef: src})
		}
		return fmt.Sprintf("[%d]", n)
	})
	return out, refs
}

// renderReferences formats the references section. Empty input produces an
// empty string so reports without citations carry no section.
func renderReferences(refs []Reference) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## References\n\n")
	for _, r := range refs {
		switch {
		case r.URL != "" && r.Title != "":
			fmt.Fprintf(&b, "%d. %s — %s\n", r.Number, r.Title, r.URL)
		case r.URL != "":
			fmt.Fprintf(&b, "%d. %s\n", r.Number, r.URL)
		case r.Title != "":
			fmt.Fprintf(&b, "%d. %s (%s)\n", r.Number, r.Title, r.Key)
		default:
			fmt.Fprintf(&b, "%d. %s\n", r.Number, r.Key)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
