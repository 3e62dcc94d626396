package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OpenAIProvider calls an OpenAI-compatible /chat/completions endpoint.
// Local gateways (ollama, llama.cpp, LM Studio) speak the same dialect.
type OpenAIProvider struct {
	base   string
	model  string
	apiKey string
	client *http.Client
}

// NewOpenAIProvider normalizes the base URL so configured values with or
// without the /chat/completions suffix both work.
func NewOpenAIProvider(base, model string, timeout time.Duration) *OpenAIProvider {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/chat/completions")
	return &OpenAIProvider{
		base:   base,
		model:  model,
		apiKey: os.Getenv("OPENAI_API_KEY"),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: p.model, Messages: messages, MaxTokens: req.MaxTokens}
	if req.JSONOnly {
		body.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.base+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&parsed)
		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			return fmt.Errorf("chat endpoint returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("chat endpoint returned %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat endpoint returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
