// Package embedding provides vector embedding generation for the two
// retrieval stores (SOP passages, episodic records). Two backends are
// supported: Ollama (local) and Google GenAI (cloud). Both are expected
// to be deterministic for identical input text.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"reagent/internal/config"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Candidate is one scored entry in a similarity ranking.
type Candidate struct {
	ID         int64
	Similarity float64
	// TieBreak orders candidates with equal similarity: source recency
	// for SOP passages, outcome quality for episodic records. Higher
	// wins.
	TieBreak float64
}

// Rank orders candidates by similarity descending, then TieBreak
// descending, then ID ascending, and truncates to k. The ordering is a
// total order over the inputs, so identical store contents and an
// identical query vector always produce identical output.
func Rank(cands []Candidate, k int) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		if cands[i].TieBreak != cands[j].TieBreak {
			return cands[i].TieBreak > cands[j].TieBreak
		}
		return cands[i].ID < cands[j].ID
	})
	if k > 0 && len(cands) > k {
		cands = cands[:k]
	}
	return cands
}
