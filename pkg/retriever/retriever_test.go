package retriever_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/retriever"
	"github.com/xhad/ragbot/pkg/store"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero norm left", []float32{0, 0}, []float32{1, 1}, 0},
		{"zero norm right", []float32{1, 1}, []float32{0, 0}, 0},
		{"dimension mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retriever.Cosine(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-6)

			// Symmetry and bounds hold for every pair.
			assert.InDelta(t, got, retriever.Cosine(tt.b, tt.a), 1e-6)
			assert.LessOrEqual(t, got, float32(1))
			assert.GreaterOrEqual(t, got, float32(-1))
		})
	}
}

func seedStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveDocument(ctx, &models.Document{
		ID: "doc-1", OrganizationID: "org-1", Title: "Hours", State: models.DocCompleted,
	}))
	require.NoError(t, m.SaveDocument(ctx, &models.Document{
		ID: "doc-2", OrganizationID: "org-1", Title: "Returns", State: models.DocInProcessing,
	}))
	require.NoError(t, m.SaveDocument(ctx, &models.Document{
		ID: "doc-3", OrganizationID: "org-2", Title: "Other org", State: models.DocCompleted,
	}))

	require.NoError(t, m.SaveChunks(ctx, []*models.Chunk{
		{ID: "c1", DocumentID: "doc-1", Ordinal: 0, Text: "open at nine", Embedding: []float32{1, 0, 0}},
		{ID: "c2", DocumentID: "doc-1", Ordinal: 1, Text: "close at six", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "c3", DocumentID: "doc-2", Ordinal: 0, Text: "pending doc", Embedding: []float32{1, 0, 0}},
		{ID: "c4", DocumentID: "doc-3", Ordinal: 0, Text: "other org", Embedding: []float32{1, 0, 0}},
	}))
	return m
}

func TestSearchRanksExactMatchFirst(t *testing.T) {
	engine := retriever.NewEngine(seedStore(t))

	results, err := engine.Search(context.Background(), []float32{1, 0, 0}, "org-1", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "c1", results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-6)
	assert.Equal(t, "c2", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchScopesToCompletedDocumentsAndOrg(t *testing.T) {
	engine := retriever.NewEngine(seedStore(t))

	results, err := engine.Search(context.Background(), []float32{1, 0, 0}, "org-1", 10)
	require.NoError(t, err)

	for _, r := range results {
		assert.NotEqual(t, "c3", r.ID, "in-processing document leaked into retrieval")
		assert.NotEqual(t, "c4", r.ID, "foreign organization leaked into retrieval")
	}
}

func TestSearchLimitsToK(t *testing.T) {
	engine := retriever.NewEngine(seedStore(t))

	results, err := engine.Search(context.Background(), []float32{1, 0, 0}, "org-1", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
}

func TestSearchTieBreakIsStableByOrdinal(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveDocument(ctx, &models.Document{
		ID: "doc-1", OrganizationID: "org-1", Title: "Doc", State: models.DocCompleted,
	}))
	require.NoError(t, m.SaveChunks(ctx, []*models.Chunk{
		{ID: "c0", DocumentID: "doc-1", Ordinal: 0, Text: "a", Embedding: []float32{1, 1}},
		{ID: "c1", DocumentID: "doc-1", Ordinal: 1, Text: "b", Embedding: []float32{1, 1}},
		{ID: "c2", DocumentID: "doc-1", Ordinal: 2, Text: "c", Embedding: []float32{1, 1}},
	}))

	engine := retriever.NewEngine(m)
	results, err := engine.Search(ctx, []float32{1, 1}, "org-1", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []string{"c0", "c1", "c2"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestSearchEmptyOrganization(t *testing.T) {
	engine := retriever.NewEngine(store.NewMemory())

	results, err := engine.Search(context.Background(), []float32{1, 0}, "org-none", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
