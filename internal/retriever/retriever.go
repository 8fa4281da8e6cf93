package retriever

import (
	"context"

	"meridian/internal/embedding"
	"meridian/internal/observability"
	"meridian/internal/rerank"
	"meridian/internal/vectorstore"
)

// Options parameterize one retrieval.
type Options struct {
	NResults     int
	Filter       map[string]string
	UseReranker  bool
	DenseWeight  float64
	SparseWeight float64
}

// Retriever embeds a query, runs the hybrid store search, and optionally
// reranks with the cross-encoder.
type Retriever struct {
	embedder embedding.Embedder
	store    vectorstore.Store
	reranker rerank.Reranker
}

// New wires the retrieval pipeline. reranker may be nil when no rerank
// endpoint is configured; UseReranker then degrades to hybrid order.
func New(embedder embedding.Embedder, store vectorstore.Store, reranker rerank.Reranker) *Retriever {
	return &Retriever{embedder: embedder, store: store, reranker: reranker}
}

// Retrieve runs the full pipeline. When reranking, 3x the requested results
// are fetched before the cross-encoder reduces them to n.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]vectorstore.Result, error) {
	n := opts.NResults
	if n <= 0 {
		n = 5
	}
	dw, sw := opts.DenseWeight, opts.SparseWeight
	if dw == 0 && sw == 0 {
		dw, sw = 0.5, 0.5
	}

	emb, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	fetch := n
	useReranker := opts.UseReranker && r.reranker != nil
	if useReranker {
		fetch = 3 * n
	}
	params := vectorstore.QueryParams{
		Dense:        emb.Dense,
		Sparse:       emb.Sparse,
		NResults:     fetch,
		Filter:       opts.Filter,
		DenseWeight:  dw,
		SparseWeight: sw,
	}
	results, err := r.store.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		// A concurrent writer may have landed chunks this client has not
		// observed yet; refresh once and retry.
		if err := r.store.RefreshClient(); err == nil {
			if retried, rerr := r.store.Query(ctx, params); rerr == nil {
				results = retried
			}
		}
	}
	if len(results) == 0 || !useReranker {
		if len(results) > n {
			results = results[:n]
		}
		return results, nil
	}

	texts := make([]string, len(results))
	for i, res := range results {
		texts[i] = res.Text
	}
	scored, err := r.reranker.Rerank(ctx, query, texts, n)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("rerank failed; keeping hybrid order")
		if len(results) > n {
			results = results[:n]
		}
		return results, nil
	}
	out := make([]vectorstore.Result, 0, len(scored))
	for _, s := range scored {
		res := results[s.Index]
		res.Score = s.Score
		out = append(out, res)
	}
	return out, nil
}
