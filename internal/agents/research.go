package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"meridian/internal/agents/prompts"
	"meridian/internal/events"
	"meridian/internal/llm"
	"meridian/internal/mission"
	"meridian/internal/observability"
	"meridian/internal/tools"
)

// irrelevanceMarkers are the lower-cased phrases that mark a reply as
// irrelevant; the note-extraction prompt asks for the second one. Such
// replies produce no note.
var irrelevanceMarkers = []string{
	"content reviewed, but not relevant to the question.",
	"content reviewed, but not relevant to the section goal/questions.",
}

// ResearchOptions sizes one research pass.
type ResearchOptions struct {
	DocResults  int
	WebResults  int
	UseReranker bool
	// NoteContentLimit is the content window width for document notes.
	NoteContentLimit int
	// MaxContextChars caps the summed window context per document.
	MaxContextChars int
}

// Research gathers grounded notes through document and web search.
type Research struct {
	dispatcher Dispatcher
	registry   *tools.Registry
	sink       events.Sink
}

func NewResearch(d Dispatcher, registry *tools.Registry, sink events.Sink) *Research {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Research{dispatcher: d, registry: registry, sink: sink}
}

func (a *Research) toolCtx(call Call) tools.ToolContext {
	return tools.ToolContext{
		MissionID:       call.MissionID,
		AgentName:       "research",
		DocumentGroupID: call.DocumentGroupID,
		CountWebSearch:  call.CountWebSearch,
	}
}

// GenerateInitialQuestions returns 3-5 exploratory questions for the request.
func (a *Research) GenerateInitialQuestions(ctx context.Context, call Call, userRequest string, goals []mission.GoalEntry) ([]string, []llm.CallDetails, error) {
	prompt, err := prompts.Render("research_questions", map[string]any{
		"UserRequest": userRequest,
		"Goals":       formatGoals(goals),
	})
	if err != nil {
		return nil, nil, err
	}
	var out struct {
		Questions []string `json:"questions"`
	}
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "research",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &out)
	if err != nil {
		return nil, details, err
	}
	questions := cleanStrings(out.Questions)
	if len(questions) > 5 {
		questions = questions[:5]
	}
	return questions, details, nil
}

// ExploreQuestion is one step of the initial exploration BFS: search both
// source families for the question, extract notes, and propose sub-questions
// while depth remains.
func (a *Research) ExploreQuestion(ctx context.Context, call Call, question string, depth, maxDepth, maxQuestions int, opts ResearchOptions) ([]mission.Note, []string, string, []llm.CallDetails, error) {
	notes, details, err := a.gatherNotes(ctx, call, question, question, opts)
	if err != nil {
		return nil, nil, "", details, err
	}
	if depth >= maxDepth || len(notes) == 0 {
		return notes, nil, "", details, nil
	}

	prompt, err := prompts.Render("research_subquestions", map[string]any{
		"Question":     question,
		"Notes":        formatNotes(notes),
		"MaxQuestions": maxQuestions,
	})
	if err != nil {
		return notes, nil, "", details, nil
	}
	var out struct {
		Questions  []string `json:"questions"`
		Scratchpad string   `json:"scratchpad"`
	}
	subDetails, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "research",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &out)
	details = append(details, subDetails...)
	if err != nil {
		return notes, nil, "", details, nil
	}
	sub := cleanStrings(out.Questions)
	if len(sub) > maxQuestions {
		sub = sub[:maxQuestions]
	}
	return notes, sub, out.Scratchpad, details, nil
}

// ResearchSection gathers notes for a section. With focus questions it runs
// one pass per question; without any it enters synthesis mode, searching
// proactively from the section description alone.
func (a *Research) ResearchSection(ctx context.Context, call Call, section mission.ReportSection, focusQuestions []string, opts ResearchOptions) ([]mission.Note, []llm.CallDetails, error) {
	focus := fmt.Sprintf("Section %q: %s", section.Title, section.Description)
	queries := cleanStrings(focusQuestions)
	if len(queries) == 0 {
		// Synthesis mode.
		queries = []string{section.Description}
	}
	var allNotes []mission.Note
	var details []llm.CallDetails
	for _, q := range queries {
		notes, d, err := a.gatherNotes(ctx, call, q, focus, opts)
		details = append(details, d...)
		if err != nil {
			return allNotes, details, err
		}
		for i := range notes {
			notes[i].PotentialSections = []string{section.ID}
		}
		allNotes = append(allNotes, notes...)
	}
	return allNotes, details, nil
}

// gatherNotes runs document and web search in parallel for one query and
// extracts grounded notes from the results.
func (a *Research) gatherNotes(ctx context.Context, call Call, query, focus string, opts ResearchOptions) ([]mission.Note, []llm.CallDetails, error) {
	log := observability.LoggerWithTrace(ctx)
	tc := a.toolCtx(call)

	var docHits []tools.DocumentHit
	var webHits []tools.WebResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		args, _ := json.Marshal(map[string]any{
			"query":        query,
			"n_results":    opts.DocResults,
			"use_reranker": opts.UseReranker,
		})
		payload, err := a.registry.Dispatch(gctx, tc, "document_search", args)
		if err != nil {
			return err
		}
		var out struct {
			Results []tools.DocumentHit `json:"results"`
			Error   string              `json:"error"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		if out.Error != "" {
			log.Warn().Str("error", out.Error).Msg("document search failed; continuing without documents")
			return nil
		}
		docHits = out.Results
		return nil
	})
	if opts.WebResults > 0 {
		g.Go(func() error {
			args, _ := json.Marshal(map[string]any{
				"query":       query,
				"max_results": opts.WebResults,
			})
			payload, err := a.registry.Dispatch(gctx, tc, "web_search", args)
			if err != nil {
				return err
			}
			var out struct {
				Results []tools.WebResult `json:"results"`
				Error   string            `json:"error"`
			}
			if err := json.Unmarshal(payload, &out); err != nil {
				return err
			}
			if out.Error != "" {
				log.Warn().Str("error", out.Error).Msg("web search failed; continuing without web results")
				return nil
			}
			webHits = out.Results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var notes []mission.Note
	var details []llm.CallDetails

	docNotes, docDetails, err := a.notesFromDocuments(ctx, call, focus, docHits, opts)
	details = append(details, docDetails...)
	if err != nil {
		return notes, details, err
	}
	notes = append(notes, docNotes...)

	webNotes, webDetails, err := a.notesFromWeb(ctx, call, focus, webHits)
	details = append(details, webDetails...)
	if err != nil {
		return notes, details, err
	}
	notes = append(notes, webNotes...)
	return notes, details, nil
}

// notesFromDocuments groups hits by file, materializes content windows
// around the hit chunks, and extracts one note per window.
func (a *Research) notesFromDocuments(ctx context.Context, call Call, focus string, hits []tools.DocumentHit, opts ResearchOptions) ([]mission.Note, []llm.CallDetails, error) {
	var notes []mission.Note
	var details []llm.CallDetails
	byFile := groupHitsByFile(hits)
	for _, group := range byFile {
		fullText := a.fullDocumentText(ctx, call, group.filepath, group.filename)
		excerpts := documentExcerpts(fullText, group.hits, opts)
		for _, excerpt := range excerpts {
			note, d, err := a.extractNote(ctx, call, focus, excerpt, mission.SourceDocument, group.docID, group.metadata)
			if d != nil {
				details = append(details, *d)
			}
			if err != nil {
				return notes, details, err
			}
			if note != nil {
				notes = append(notes, *note)
			}
		}
	}
	return notes, details, nil
}

// notesFromWeb extracts a note per snippet; a relevant snippet triggers a
// full-page fetch and a richer replacement note.
func (a *Research) notesFromWeb(ctx context.Context, call Call, focus string, hits []tools.WebResult) ([]mission.Note, []llm.CallDetails, error) {
	log := observability.LoggerWithTrace(ctx)
	var notes []mission.Note
	var details []llm.CallDetails
	for _, hit := range hits {
		meta := map[string]any{"title": hit.Title, "url": hit.URL}
		excerpt := hit.Title + "\n" + hit.Snippet
		note, d, err := a.extractNote(ctx, call, focus, excerpt, mission.SourceWeb, hit.URL, meta)
		if d != nil {
			details = append(details, *d)
		}
		if err != nil {
			return notes, details, err
		}
		if note == nil {
			// Snippet deemed irrelevant: skip the expensive full fetch too.
			continue
		}

		if full := a.fetchPage(ctx, call, hit.URL); full != nil {
			if full.Title != "" {
				meta["title"] = full.Title
			}
			for k, v := range full.Metadata {
				if _, ok := meta[k]; !ok {
					meta[k] = v
				}
			}
			richer, d2, err := a.extractNote(ctx, call, focus, full.Text, mission.SourceWeb, hit.URL, meta)
			if d2 != nil {
				details = append(details, *d2)
			}
			if err != nil {
				return notes, details, err
			}
			if richer != nil {
				// The full-content note replaces the snippet-based one.
				note = richer
				a.sink.Publish(ctx, events.Event{
					MissionID: call.MissionID,
					Type:      events.TypeNoteUpdatedFromFull,
					Timestamp: time.Now().UTC(),
					Payload:   map[string]string{"url": hit.URL},
				})
			} else {
				log.Debug().Str("url", hit.URL).Msg("full-page content not relevant; keeping snippet note")
			}
		}
		notes = append(notes, *note)
	}
	return notes, details, nil
}

// extractNote asks the model for one strictly grounded note. A nil note with
// nil error means the content was judged irrelevant.
func (a *Research) extractNote(ctx context.Context, call Call, focus, excerpt string, sourceType mission.SourceType, sourceID string, metadata map[string]any) (*mission.Note, *llm.CallDetails, error) {
	if strings.TrimSpace(excerpt) == "" {
		return nil, nil, nil
	}
	prompt, err := prompts.Render("research_note", map[string]any{
		"Focus":      focus,
		"SourceType": string(sourceType),
		"SourceID":   sourceID,
		"Excerpt":    excerpt,
	})
	if err != nil {
		return nil, nil, err
	}
	resp, details, err := a.dispatcher.Dispatch(ctx, llm.Call{
		AgentMode: "research",
		MissionID: call.MissionID,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, details, err
	}
	content := strings.TrimSpace(resp.Message.Content)
	lower := strings.ToLower(content)
	for _, marker := range irrelevanceMarkers {
		if strings.Contains(lower, marker) {
			return nil, details, nil
		}
	}
	if content == "" {
		return nil, details, nil
	}
	return &mission.Note{
		Content:        content,
		SourceType:     sourceType,
		SourceID:       sourceID,
		SourceMetadata: metadata,
		IsRelevant:     true,
	}, details, nil
}

// fetchPage fetches a web page through the tool registry, returning nil on
// any failure.
func (a *Research) fetchPage(ctx context.Context, call Call, url string) *tools.PageContent {
	args, _ := json.Marshal(map[string]string{"url": url})
	payload, err := a.registry.Dispatch(ctx, a.toolCtx(call), "fetch_web_page_content", args)
	if err != nil {
		return nil
	}
	var out struct {
		tools.PageContent
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.Error != "" || strings.TrimSpace(out.Text) == "" {
		return nil
	}
	return &out.PageContent
}

// fullDocumentText reads the converted document when a filepath is known.
// Empty result means window building falls back to the chunk texts.
func (a *Research) fullDocumentText(ctx context.Context, call Call, filepath, filename string) string {
	if filepath == "" {
		return ""
	}
	args, _ := json.Marshal(map[string]string{"filepath": filepath, "original_filename": filename})
	payload, err := a.registry.Dispatch(ctx, a.toolCtx(call), "read_full_document", args)
	if err != nil {
		return ""
	}
	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.Error != "" {
		return ""
	}
	return out.Text
}

type fileGroup struct {
	docID    string
	filename string
	filepath string
	metadata map[string]any
	hits     []tools.DocumentHit
}

// groupHitsByFile groups document hits by original filename (falling back to
// doc id), preserving first-seen order.
func groupHitsByFile(hits []tools.DocumentHit) []*fileGroup {
	var order []*fileGroup
	index := map[string]*fileGroup{}
	for _, hit := range hits {
		docID := hit.Metadata["doc_id"]
		if docID == "" {
			docID = strings.SplitN(hit.ID, "_", 2)[0]
		}
		filename := hit.Metadata["original_filename"]
		key := filename
		if key == "" {
			key = docID
		}
		g, ok := index[key]
		if !ok {
			meta := map[string]any{"doc_id": docID}
			for k, v := range hit.Metadata {
				meta[k] = v
			}
			g = &fileGroup{
				docID:    docID,
				filename: filename,
				filepath: hit.Metadata["filepath"],
				metadata: meta,
			}
			index[key] = g
			order = append(order, g)
		}
		g.hits = append(g.hits, hit)
	}
	return order
}

// documentExcerpts turns one file's hits into content windows. With the full
// text available, windows center on each hit chunk's position; otherwise each
// chunk text stands alone.
func documentExcerpts(fullText string, hits []tools.DocumentHit, opts ResearchOptions) []string {
	if fullText == "" {
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			if strings.TrimSpace(h.Text) != "" {
				out = append(out, h.Text)
			}
		}
		return out
	}
	var spans []span
	for _, h := range hits {
		idx := strings.Index(fullText, h.Text)
		if idx < 0 {
			spans = append(spans, span{Start: 0, End: min(len(h.Text), len(fullText))})
			continue
		}
		spans = append(spans, span{Start: idx, End: idx + len(h.Text)})
	}
	windows := buildContentWindows(len(fullText), spans, opts.NoteContentLimit, opts.MaxContextChars)
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, fullText[w.Start:w.End])
	}
	return out
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
