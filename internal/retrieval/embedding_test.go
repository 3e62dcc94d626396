package retrieval

import (
	"context"
	"math"
	"testing"
)

func TestNormalizeAPIBase(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com/v1":                  "https://api.example.com/v1",
		"https://api.example.com/v1/":                 "https://api.example.com/v1",
		"https://api.example.com/v1/embeddings":       "https://api.example.com/v1",
		"https://api.example.com/v1/rerank":           "https://api.example.com/v1",
		"https://api.example.com/v1/chat/completions": "https://api.example.com/v1",
		"  https://api.example.com/v1/embeddings/  ":  "https://api.example.com/v1",
		"": "",
	}
	for input, expected := range cases {
		if got := NormalizeAPIBase(input); got != expected {
			t.Errorf("NormalizeAPIBase(%q) = %q, expected %q", input, got, expected)
		}
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	embedder := NewHashEmbedder(64)
	ctx := context.Background()

	first, err := embedder.Embed(ctx, []string{"rotate the auth tokens"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	second, _ := embedder.Embed(ctx, []string{"rotate the auth tokens"})

	if CosineSimilarity(first[0], second[0]) < 0.9999 {
		t.Error("Same text must embed identically")
	}

	// Unit norm.
	var norm float64
	for _, v := range first[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("Expected unit norm, got %v", norm)
	}
}

func TestHashEmbedderSimilarityOrdering(t *testing.T) {
	embedder := NewHashEmbedder(256)
	ctx := context.Background()

	vectors, err := embedder.Embed(ctx, []string{
		"rotate auth tokens",
		"auth tokens rotate daily",
		"grocery shopping list",
	})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	related := CosineSimilarity(vectors[0], vectors[1])
	unrelated := CosineSimilarity(vectors[0], vectors[2])
	if related <= unrelated {
		t.Errorf("Related texts must score higher: related=%v unrelated=%v", related, unrelated)
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	embedder := NewHashEmbedder(32)
	vectors, err := embedder.Embed(context.Background(), []string{""})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for _, v := range vectors[0] {
		if v != 0 {
			t.Fatal("Empty text must embed to the zero vector")
		}
	}
}

func TestCosineSimilarityShapes(t *testing.T) {
	if CosineSimilarity(nil, nil) != 0 {
		t.Error("Nil vectors must score 0")
	}
	if CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("Mismatched dimensions must score 0")
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("Identical vectors must score 1, got %v", got)
	}
}
