package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/untoldecay/engram/internal/config"
)

// Reranker reorders candidate documents by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]int, error)
}

// NewRerankerFromConfig returns the configured reranker, or nil when
// reranking is disabled or unconfigured.
func NewRerankerFromConfig() Reranker {
	if !config.GetBool("retrieval.reranker-enabled") {
		return nil
	}
	base := NormalizeAPIBase(config.GetString("retrieval.reranker-api-base"))
	if base == "" {
		return nil
	}
	return &apiReranker{
		base:   base,
		model:  config.GetString("retrieval.reranker-model"),
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

type apiReranker struct {
	base   string
	model  string
	client *http.Client
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank returns document indices in relevance order.
func (r *apiReranker) Rerank(ctx context.Context, query string, documents []string) ([]int, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker endpoint returned %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	order := make([]int, 0, len(parsed.Results))
	seen := make(map[int]bool, len(parsed.Results))
	for _, result := range parsed.Results {
		if result.Index < 0 || result.Index >= len(documents) || seen[result.Index] {
			continue
		}
		order = append(order, result.Index)
		seen[result.Index] = true
	}
	// Anything the endpoint omitted keeps its original relative position.
	for i := range documents {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}
