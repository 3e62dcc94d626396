package retrieval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/untoldecay/engram/internal/config"
)

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Name() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NormalizeAPIBase strips known operation suffixes so that appending
// "/embeddings" (or "/rerank", "/chat/completions") always yields the
// intended URL regardless of how the base was configured.
func NormalizeAPIBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	for _, suffix := range []string{"/embeddings", "/rerank", "/chat/completions"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	return base
}

// NewEmbedderFromConfig builds the configured embedding provider. The
// second return value is a degrade reason when the configuration forced a
// fallback, or empty.
func NewEmbedderFromConfig() (Embedder, string) {
	backend := strings.ToLower(strings.TrimSpace(config.GetString("retrieval.embedding-backend")))
	dim := config.GetIntMin("retrieval.embedding-dim", 16)

	switch backend {
	case "", "hash":
		return NewHashEmbedder(dim), ""
	case "none", "disabled":
		return nil, ""
	case "api", "openai":
		base := NormalizeAPIBase(config.GetString("retrieval.embedding-api-base"))
		if base == "" {
			return NewHashEmbedder(dim), "embedding_fallback_hash"
		}
		return &apiEmbedder{
			base:   base,
			model:  config.GetString("retrieval.embedding-model"),
			dim:    dim,
			client: &http.Client{Timeout: 20 * time.Second},
		}, ""
	}
	return NewHashEmbedder(dim), "embedding_fallback_hash"
}

// hashEmbedder is a deterministic local backend: each token hashes to a
// (sign, index, weight) triple and the accumulated vector is L2-normalized.
// Not semantically deep, but dependency-free and stable across runs.
type hashEmbedder struct {
	dim int
}

// NewHashEmbedder builds the local hash backend.
func NewHashEmbedder(dim int) Embedder {
	if dim <= 0 {
		dim = 256
	}
	return &hashEmbedder{dim: dim}
}

func (h *hashEmbedder) Name() string { return "hash" }
func (h *hashEmbedder) Dim() int     { return h.dim }

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = h.embedOne(text)
	}
	return vectors, nil
}

func (h *hashEmbedder) embedOne(text string) []float32 {
	vector := make([]float32, h.dim)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return vector
	}
	for _, token := range tokens {
		sum := sha256.Sum256([]byte(token))
		index := int(binary.BigEndian.Uint32(sum[0:4])) % h.dim
		if index < 0 {
			index += h.dim
		}
		sign := float32(1)
		if sum[4]%2 == 1 {
			sign = -1
		}
		weight := 1 + float32(sum[5])/255
		vector[index] += sign * weight
	}
	return l2Normalize(vector)
}

func l2Normalize(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vector
	}
	norm := float32(math.Sqrt(sum))
	for i := range vector {
		vector[i] /= norm
	}
	return vector
}

// CosineSimilarity of two vectors; zero when shapes differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// apiEmbedder calls an OpenAI-compatible /embeddings endpoint.
type apiEmbedder struct {
	base   string
	model  string
	dim    int
	client *http.Client
}

func (a *apiEmbedder) Name() string { return "api" }
func (a *apiEmbedder) Dim() int     { return a.dim }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (a *apiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: a.model, Input: texts})
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.base+"/embeddings", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("embedding endpoint returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&parsed)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d inputs",
			len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}
