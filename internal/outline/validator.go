package outline

import (
	"fmt"
	"regexp"
	"strings"

	"meridian/internal/mission"
)

// Report lists the corrections and residual problems of one validation pass.
type Report struct {
	Corrections []string
	// Warnings are structural concerns automatic correction cannot settle,
	// e.g. suspected redundant sections. They drive reflective refinement.
	Warnings []string
}

// Clean reports whether validation changed nothing and left no warnings.
func (r Report) Clean() bool { return len(r.Corrections) == 0 && len(r.Warnings) == 0 }

var introConcl = regexp.MustCompile(`(?i)^(introduction|intro|conclusion|conclusions|summary)\b`)

// IsIntroOrConclusion classifies a section title as intro/conclusion-like.
func IsIntroOrConclusion(title string) bool {
	return introConcl.MatchString(strings.TrimSpace(title))
}

// Validate applies the programmatic outline checks in place and returns a
// report. It is idempotent: validating an already-valid outline changes
// nothing.
func Validate(outline []mission.ReportSection, maxTotalDepth int) ([]mission.ReportSection, Report) {
	if maxTotalDepth < 1 {
		maxTotalDepth = 2
	}
	var rep Report

	outline = flattenDeep(outline, 1, maxTotalDepth, &rep)
	outline = mergeDuplicateSiblings(outline, &rep)
	fixStrategies(outline, &rep)
	ensureResearchBased(outline, &rep)
	AssignSectionIDs(outline, &rep)
	warnRedundancy(outline, &rep)
	return outline, rep
}

// flattenDeep folds levels beyond the depth budget into their parents.
func flattenDeep(sections []mission.ReportSection, depth, maxDepth int, rep *Report) []mission.ReportSection {
	for i := range sections {
		if len(sections[i].Subsections) == 0 {
			continue
		}
		if depth >= maxDepth {
			// Children would exceed the budget: absorb their descriptions and
			// notes into this section and drop the level.
			for _, child := range collectLeaves(sections[i].Subsections) {
				if child.Description != "" {
					sections[i].Description = joinDescriptions(sections[i].Description, child.Description)
				}
				sections[i].AssociatedNoteIDs = append(sections[i].AssociatedNoteIDs, child.AssociatedNoteIDs...)
			}
			rep.Corrections = append(rep.Corrections,
				fmt.Sprintf("flattened subsections of %q beyond depth %d", sections[i].Title, maxDepth))
			sections[i].Subsections = nil
			continue
		}
		sections[i].Subsections = flattenDeep(sections[i].Subsections, depth+1, maxDepth, rep)
	}
	return sections
}

func collectLeaves(sections []mission.ReportSection) []mission.ReportSection {
	var out []mission.ReportSection
	for _, s := range sections {
		if len(s.Subsections) == 0 {
			out = append(out, s)
			continue
		}
		out = append(out, s)
		out = append(out, collectLeaves(s.Subsections)...)
	}
	return out
}

func joinDescriptions(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "" || strings.Contains(a, b):
		return a
	default:
		return a + " " + b
	}
}

// mergeDuplicateSiblings merges sections whose normalized titles collide
// within the same parent.
func mergeDuplicateSiblings(sections []mission.ReportSection, rep *Report) []mission.ReportSection {
	seen := map[string]int{}
	out := sections[:0]
	for _, s := range sections {
		key := normalizeTitle(s.Title)
		if idx, ok := seen[key]; ok {
			out[idx].Description = joinDescriptions(out[idx].Description, s.Description)
			out[idx].AssociatedNoteIDs = append(out[idx].AssociatedNoteIDs, s.AssociatedNoteIDs...)
			out[idx].Subsections = append(out[idx].Subsections, s.Subsections...)
			rep.Corrections = append(rep.Corrections, fmt.Sprintf("merged duplicate section %q", s.Title))
			continue
		}
		seen[key] = len(out)
		out = append(out, s)
	}
	for i := range out {
		out[i].Subsections = mergeDuplicateSiblings(out[i].Subsections, rep)
	}
	return out
}

func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	return strings.Join(strings.Fields(t), " ")
}

// fixStrategies enforces the strategy invariants:
// parents synthesize, intro/conclusion leaves are content_based, other
// leaves are research_based.
func fixStrategies(sections []mission.ReportSection, rep *Report) {
	mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		switch {
		case len(s.Subsections) > 0:
			if s.Strategy != mission.StrategySynthesize {
				rep.Corrections = append(rep.Corrections,
					fmt.Sprintf("section %q has subsections; strategy rewritten to synthesize_from_subsections", s.Title))
				s.Strategy = mission.StrategySynthesize
			}
		case IsIntroOrConclusion(s.Title):
			if s.Strategy != mission.StrategyContentBased {
				rep.Corrections = append(rep.Corrections,
					fmt.Sprintf("intro/conclusion %q rewritten to content_based", s.Title))
				s.Strategy = mission.StrategyContentBased
			}
		default:
			if s.Strategy != mission.StrategyResearchBased {
				rep.Corrections = append(rep.Corrections,
					fmt.Sprintf("leaf %q rewritten to research_based", s.Title))
				s.Strategy = mission.StrategyResearchBased
			}
		}
		return true
	})
}

// ensureResearchBased promotes the first suitable leaf when no section in the
// entire outline gathers research.
func ensureResearchBased(sections []mission.ReportSection, rep *Report) {
	found := false
	mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		if s.Strategy == mission.StrategyResearchBased {
			found = true
			return false
		}
		return true
	})
	if found {
		return
	}
	var promoted *mission.ReportSection
	mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		if len(s.Subsections) == 0 && !IsIntroOrConclusion(s.Title) {
			promoted = s
			return false
		}
		return true
	})
	if promoted == nil {
		// Only intro/conclusion leaves exist; promote the first leaf anyway.
		mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
			if len(s.Subsections) == 0 {
				promoted = s
				return false
			}
			return true
		})
	}
	if promoted != nil {
		promoted.Strategy = mission.StrategyResearchBased
		rep.Corrections = append(rep.Corrections,
			fmt.Sprintf("promoted %q to research_based (none present)", promoted.Title))
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a deterministic id fragment from a title.
func Slugify(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "section"
	}
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	return s
}

// AssignSectionIDs fills missing section ids from slugified titles and
// disambiguates collisions with positional suffixes. Existing ids are kept,
// so re-validation is stable.
func AssignSectionIDs(sections []mission.ReportSection, rep *Report) {
	used := map[string]bool{}
	mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		if s.ID != "" {
			used[s.ID] = true
		}
		return true
	})
	var assign func(secs []mission.ReportSection)
	assign = func(secs []mission.ReportSection) {
		for i := range secs {
			if secs[i].ID == "" {
				base := Slugify(secs[i].Title)
				id := base
				for n := 2; used[id]; n++ {
					id = fmt.Sprintf("%s-%d", base, n)
				}
				secs[i].ID = id
				used[id] = true
				if rep != nil {
					rep.Corrections = append(rep.Corrections, fmt.Sprintf("assigned section id %q", id))
				}
			}
			assign(secs[i].Subsections)
		}
	}
	assign(sections)
}

// warnRedundancy flags near-duplicate descriptions across different parents,
// which auto-correction cannot merge safely.
func warnRedundancy(sections []mission.ReportSection, rep *Report) {
	type entry struct {
		id    string
		title string
		words map[string]struct{}
	}
	var entries []entry
	mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		entries = append(entries, entry{id: s.ID, title: s.Title, words: wordSet(s.Description)})
		return true
	})
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if len(entries[i].words) < 5 || len(entries[j].words) < 5 {
				continue
			}
			if jaccard(entries[i].words, entries[j].words) > 0.8 {
				rep.Warnings = append(rep.Warnings,
					fmt.Sprintf("sections %q and %q have near-identical descriptions", entries[i].title, entries[j].title))
			}
		}
	}
}

func wordSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
