package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"impulseguard/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{0, 1, 0},       // orthogonal
		{1, 0.1, 0},     // close
		{1, 0, 0},       // identical
		{-1, 0, 0},      // opposite
		{0.5, 0.5, 0.5}, // middling
	}

	results := FindTopK(query, corpus, 3)
	require.Len(t, results, 3)
	assert.Equal(t, 2, results[0].Index)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, 1, results[1].Index)

	// Descending order throughout
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func TestFindTopKSkipsMismatchedVectors(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{1, 0},
		{1, 0, 0}, // wrong dimensions
		{0, 1},
	}
	results := FindTopK(query, corpus, 10)
	assert.Len(t, results, 2)
}

func TestNewEngineNoProvider(t *testing.T) {
	engine, err := NewEngine(config.EmbeddingConfig{})
	require.NoError(t, err)
	assert.Nil(t, engine)
}

func TestNewEngineUnknownProvider(t *testing.T) {
	_, err := NewEngine(config.EmbeddingConfig{Provider: "pinecone"})
	assert.Error(t, err)
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)

	vec, err := engine.Embed(context.Background(), "late night gadget browsing")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "ollama:embeddinggemma", engine.Name())
}

func TestOllamaEmbedBatchSequential(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(calls)}})
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	require.NoError(t, err)

	vecs, err := engine.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, 3, calls)
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "missing-model")
	require.NoError(t, err)

	_, err = engine.Embed(context.Background(), "text")
	assert.ErrorContains(t, err, "404")
}

func TestOllamaHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "")
	require.NoError(t, err)
	assert.NoError(t, engine.HealthCheck(context.Background()))
}

func TestNormalizedVectorsRoundTrip(t *testing.T) {
	// Unit vectors keep cosine similarity equal to their dot product
	a := []float32{0.6, 0.8}
	b := []float32{0.8, 0.6}
	got, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	want := 0.6*0.8 + 0.8*0.6
	assert.InDelta(t, want, got, 1e-6)
	assert.False(t, math.IsNaN(got))
}
