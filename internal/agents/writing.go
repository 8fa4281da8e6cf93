package agents

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"meridian/internal/agents/prompts"
	"meridian/internal/llm"
	"meridian/internal/mission"
)

// NoInformationPlaceholder is emitted for research_based sections that have
// no notes on their first writing pass: the report must never fabricate.
const NoInformationPlaceholder = "No information found for this section during research."

// CitationKey derives the bracket key for a note's source: documents cite
// their doc_id, web sources an 8-char SHA1 prefix of the URL.
func CitationKey(sourceType mission.SourceType, sourceID string) string {
	if sourceType == mission.SourceWeb {
		return HashURL(sourceID)
	}
	return sourceID
}

// HashURL returns the 8-character SHA1 prefix used as a web citation key.
func HashURL(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:8]
}

// Writing produces section text with citation placeholders.
type Writing struct {
	dispatcher   Dispatcher
	previewChars int
}

func NewWriting(d Dispatcher, previewChars int) *Writing {
	if previewChars <= 0 {
		previewChars = 2000
	}
	return &Writing{dispatcher: d, previewChars: previewChars}
}

// WriteSectionInput collects everything one section draft needs.
type WriteSectionInput struct {
	Section             mission.ReportSection
	ParentTitle         string
	Outline             []mission.ReportSection
	AssignedNotes       []mission.Note
	PreviousContent     string
	Goals               []mission.GoalEntry
	Thoughts            []mission.ThoughtEntry
	CurrentDraft        string
	RevisionSuggestions []string
}

// WriteSection drafts (or revises, when suggestions are present) one section.
// The output carries [key] citation placeholders and no headers.
func (a *Writing) WriteSection(ctx context.Context, call Call, in WriteSectionInput) (string, []llm.CallDetails, error) {
	if len(in.AssignedNotes) == 0 && in.Section.Strategy == mission.StrategyResearchBased && in.CurrentDraft == "" {
		return NoInformationPlaceholder, nil, nil
	}
	prompt, err := prompts.Render("writing", map[string]any{
		"SectionTitle":        in.Section.Title,
		"SectionDescription":  in.Section.Description,
		"ParentTitle":         in.ParentTitle,
		"OutlineSummary":      outlineSummary(in.Outline),
		"PreviousContent":     truncate(in.PreviousContent, a.previewChars),
		"Notes":               formatNotesWithCitations(in.AssignedNotes),
		"Goals":               formatGoals(in.Goals),
		"Thoughts":            formatThoughts(in.Thoughts),
		"CurrentDraft":        in.CurrentDraft,
		"RevisionSuggestions": strings.Join(in.RevisionSuggestions, "\n- "),
	})
	if err != nil {
		return "", nil, err
	}
	resp, d, err := a.dispatcher.Dispatch(ctx, llm.Call{
		AgentMode: "writing",
		MissionID: call.MissionID,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
	})
	var details []llm.CallDetails
	if d != nil {
		details = append(details, *d)
	}
	if err != nil {
		return "", details, err
	}
	text := stripHeaders(strings.TrimSpace(resp.Message.Content))
	text = pruneUncitableSources(text, in.AssignedNotes)
	return SortAdjacentCitations(text), details, nil
}

// SynthesizeIntro writes the introductory passage of a parent section from
// its already-written subsections.
func (a *Writing) SynthesizeIntro(ctx context.Context, call Call, section mission.ReportSection, subsectionContent string, goals []mission.GoalEntry) (string, []llm.CallDetails, error) {
	prompt, err := prompts.Render("writing_intro", map[string]any{
		"SectionTitle":       section.Title,
		"SectionDescription": section.Description,
		"SubsectionContent":  subsectionContent,
		"Goals":              formatGoals(goals),
	})
	if err != nil {
		return "", nil, err
	}
	resp, d, err := a.dispatcher.Dispatch(ctx, llm.Call{
		AgentMode: "writing",
		MissionID: call.MissionID,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
	})
	var details []llm.CallDetails
	if d != nil {
		details = append(details, *d)
	}
	if err != nil {
		return "", details, err
	}
	return SortAdjacentCitations(stripHeaders(strings.TrimSpace(resp.Message.Content))), details, nil
}

var headerLine = regexp.MustCompile(`(?m)^#{1,6}\s.*$\n?`)

// stripHeaders removes Markdown headers; section structure is external.
func stripHeaders(text string) string {
	return strings.TrimSpace(headerLine.ReplaceAllString(text, ""))
}

var citationRun = regexp.MustCompile(`(\[[A-Za-z0-9_.:/-]+\]){2,}`)
var singleCitation = regexp.MustCompile(`\[([A-Za-z0-9_.:/-]+)\]`)

// SortAdjacentCitations orders each run of consecutive citation brackets by
// numeric-then-lexicographic key. Idempotent.
func SortAdjacentCitations(text string) string {
	return citationRun.ReplaceAllStringFunc(text, func(run string) string {
		keys := singleCitation.FindAllStringSubmatch(run, -1)
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, k[1])
		}
		sort.SliceStable(items, func(i, j int) bool { return citationLess(items[i], items[j]) })
		var b strings.Builder
		for _, it := range items {
			b.WriteString("[" + it + "]")
		}
		return b.String()
	})
}

// citationLess orders numeric keys numerically and everything else
// lexicographically, numbers first.
func citationLess(a, b string) bool {
	na, aerr := strconv.Atoi(a)
	nb, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return na < nb
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}

// pruneUncitableSources drops citation brackets whose key is not backed by
// the assigned notes (or their aggregated original sources).
func pruneUncitableSources(text string, notes []mission.Note) string {
	allowed := AllowedCitationKeys(notes)
	return singleCitation.ReplaceAllStringFunc(text, func(m string) string {
		key := strings.Trim(m, "[]")
		if _, ok := allowed[key]; ok {
			return m
		}
		return ""
	})
}

// AllowedCitationKeys is the set of keys the section may cite: each note's
// own source plus, for internal notes, their aggregated original sources.
func AllowedCitationKeys(notes []mission.Note) map[string]struct{} {
	out := map[string]struct{}{}
	for _, n := range notes {
		switch n.SourceType {
		case mission.SourceInternal:
			for _, src := range aggregatedSources(n) {
				out[src] = struct{}{}
			}
		default:
			out[CitationKey(n.SourceType, n.SourceID)] = struct{}{}
		}
	}
	return out
}

// aggregatedSources reads the citation keys an internal note carries from
// the notes it aggregated, attached eagerly at synthesis time.
func aggregatedSources(n mission.Note) []string {
	raw, ok := n.SourceMetadata["aggregated_original_sources"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// formatNotesWithCitations renders notes with the citation key the writer
// must use for each.
func formatNotesWithCitations(notes []mission.Note) string {
	if len(notes) == 0 {
		return "(no notes)"
	}
	var b strings.Builder
	for _, n := range notes {
		switch n.SourceType {
		case mission.SourceInternal:
			fmt.Fprintf(&b, "%s (synthesis; cite: %s) %s\n", n.ID, strings.Join(aggregatedSources(n), ", "), n.Content)
		default:
			fmt.Fprintf(&b, "%s (cite as [%s]) %s\n", n.ID, CitationKey(n.SourceType, n.SourceID), n.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// outlineSummary renders the outline tree as an indented list.
func outlineSummary(sections []mission.ReportSection) string {
	var b strings.Builder
	mission.WalkOutline(sections, func(s *mission.ReportSection, depth int, _ *mission.ReportSection) bool {
		fmt.Fprintf(&b, "%s- %s\n", strings.Repeat("  ", depth-1), s.Title)
		return true
	})
	return strings.TrimRight(b.String(), "\n")
}
