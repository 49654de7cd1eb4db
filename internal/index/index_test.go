package index

import (
	"context"
	"strings"
	"testing"

	"impulseguard/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEngine is a deterministic embedding stub: each text maps to a vector
// derived from which marker words it contains, so related texts land close.
type hashEngine struct{}

func (hashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	markers := []string{"headphones", "budget", "goal", "casino", "electronics"}
	vec := make([]float32, len(markers))
	for i, m := range markers {
		if strings.Contains(lower, m) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (e hashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := e.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (hashEngine) Dimensions() int { return 5 }
func (hashEngine) Name() string    { return "test:hash" }

func sampleChunks() []memory.Chunk {
	return []memory.Chunk{
		{ID: "Goals.md_0", File: "Goals.md", Section: "Current Goals", Content: "- Primary goal: save for a vacation"},
		{ID: "Budget.md_0", File: "Budget.md", Section: "Monthly Spending Limits", Content: "- Electronics budget: $100 per month"},
		{ID: "Behavior.md_0", File: "Behavior.md", Section: "Observed Behaviors", Content: "- Bought headphones impulsively last week"},
	}
}

func TestReindexAndCount(t *testing.T) {
	ix, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()))
	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Reindex replaces, never accumulates
	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()[:1]))
	n, err = ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKeywordFallbackQuery(t *testing.T) {
	ix, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()))

	results, err := ix.Query(context.Background(), "headphones", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Behavior.md", results[0].Chunk.File)
}

func TestVectorQueryRanking(t *testing.T) {
	ix, err := New(t.TempDir(), hashEngine{})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()))

	results, err := ix.Query(context.Background(), "wireless headphones $80 electronics store", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "Behavior.md_0", results[0].Chunk.ID)
	assert.Greater(t, results[0].Similarity, 0.0)
}

func TestUpsertFileReplacesOnlyThatFile(t *testing.T) {
	ix, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()))

	replacement := []memory.Chunk{
		{ID: "Behavior.md_0", File: "Behavior.md", Section: "Observed Behaviors", Content: "- Prefers refurbished laptops"},
		{ID: "Behavior.md_1", File: "Behavior.md", Section: "Observed Behaviors", Content: "- Avoids flash sales"},
	}
	require.NoError(t, ix.UpsertFile(context.Background(), "Behavior.md", replacement))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	results, err := ix.Query(context.Background(), "headphones", 5)
	require.NoError(t, err)
	assert.Empty(t, results, "stale chunk should be gone")

	results, err = ix.Query(context.Background(), "vacation", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1, "other files untouched")
}

func TestQueryFileFilter(t *testing.T) {
	chunks := []memory.Chunk{
		{ID: "Goals.md_0", File: "Goals.md", Section: "Current Goals", Content: "- Wants noise-cancelling headphones for focus"},
		{ID: "Behavior.md_0", File: "Behavior.md", Section: "Observed Behaviors", Content: "- Bought headphones impulsively last week"},
	}

	t.Run("keyword", func(t *testing.T) {
		ix, err := New(t.TempDir(), nil)
		require.NoError(t, err)
		defer ix.Close()
		require.NoError(t, ix.Reindex(context.Background(), chunks))

		results, err := ix.Query(context.Background(), "headphones", 5)
		require.NoError(t, err)
		assert.Len(t, results, 2, "no filter matches both files")

		results, err = ix.Query(context.Background(), "headphones", 5, "Behavior.md")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Behavior.md", results[0].Chunk.File)
	})

	t.Run("vector", func(t *testing.T) {
		ix, err := New(t.TempDir(), hashEngine{})
		require.NoError(t, err)
		defer ix.Close()
		require.NoError(t, ix.Reindex(context.Background(), chunks))

		results, err := ix.Query(context.Background(), "wireless headphones", 5, "Goals.md")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "Goals.md", results[0].Chunk.File)
	})
}

func TestQueryEmptyIndex(t *testing.T) {
	ix, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ix.Close()

	results, err := ix.Query(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPurge(t *testing.T) {
	ix, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()))
	require.NoError(t, ix.Purge())

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()

	ix, err := New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Reindex(context.Background(), sampleChunks()))
	require.NoError(t, ix.Close())

	reopened, err := New(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
