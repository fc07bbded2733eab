package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/xhad/ragbot/pkg/store"
)

// Searcher ranks an organization's chunks against a query embedding.
// The linear-scan Engine below and the pgvector store both satisfy it,
// so callers can swap in an indexed implementation untouched.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, orgID string, k int) ([]store.ScoredChunk, error)
}

// ChunkSource supplies the eligible chunks to scan: embedded chunks of
// completed documents only.
type ChunkSource interface {
	EligibleChunks(ctx context.Context, orgID string) ([]store.ChunkWithTitle, error)
}

// Engine is the linear-scan Searcher. O(chunks) per query is accepted at
// the target scale.
type Engine struct {
	source ChunkSource
}

func NewEngine(source ChunkSource) *Engine {
	return &Engine{source: source}
}

// Search returns up to k chunks ranked by cosine similarity, descending.
// Ties keep the source order, which is (document, ordinal).
func (e *Engine) Search(ctx context.Context, embedding []float32, orgID string, k int) ([]store.ScoredChunk, error) {
	if k <= 0 {
		k = 5
	}

	chunks, err := e.source.EligibleChunks(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	scored := make([]store.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		scored = append(scored, store.ScoredChunk{
			ChunkWithTitle: c,
			Score:          Cosine(embedding, c.Embedding),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Cosine returns the cosine similarity of two vectors. It is 0 when
// either vector has zero norm or the dimensions disagree.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
