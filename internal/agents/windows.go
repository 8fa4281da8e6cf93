package agents

import "sort"

// span is a half-open [Start, End) character range of a source document.
type span struct {
	Start int
	End   int
}

// buildContentWindows materializes windows around hit chunks in a document of
// docLen characters: each window is centered on its chunk and windowSize
// wide, overlapping windows merge, and merged windows wider than twice
// windowSize split back into windowSize pieces.
// The summed window size is capped at maxTotal by dropping later windows.
func buildContentWindows(docLen int, hits []span, windowSize, maxTotal int) []span {
	if docLen <= 0 || len(hits) == 0 {
		return nil
	}
	if windowSize <= 0 {
		windowSize = 4000
	}
	if maxTotal < windowSize {
		maxTotal = windowSize
	}

	windows := make([]span, 0, len(hits))
	for _, h := range hits {
		center := (h.Start + h.End) / 2
		start := center - windowSize/2
		end := center + windowSize/2
		// A chunk longer than the window keeps its own extent.
		if h.End-h.Start > windowSize {
			start, end = h.Start, h.End
		}
		if start < 0 {
			start = 0
		}
		if end > docLen {
			end = docLen
		}
		if end > start {
			windows = append(windows, span{Start: start, End: end})
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })

	// Merge overlapping/adjacent windows.
	merged := windows[:0]
	for _, w := range windows {
		if len(merged) > 0 && w.Start <= merged[len(merged)-1].End {
			if w.End > merged[len(merged)-1].End {
				merged[len(merged)-1].End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}

	// Split merged windows that grew beyond twice the window size back into
	// windowSize pieces.
	var out []span
	for _, w := range merged {
		if w.End-w.Start <= 2*windowSize {
			out = append(out, w)
			continue
		}
		for start := w.Start; start < w.End; start += windowSize {
			end := start + windowSize
			if end > w.End {
				end = w.End
			}
			out = append(out, span{Start: start, End: end})
		}
	}

	// Cap the total context.
	total := 0
	for i, w := range out {
		total += w.End - w.Start
		if total > maxTotal {
			out = out[:i]
			break
		}
	}
	return out
}
