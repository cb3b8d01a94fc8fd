package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient talks to the hosted OpenAI API for completions. Extraction
// prompts go out as single-turn chat requests at temperature zero so the
// mention JSON stays reproducible; every call runs through the shared
// circuit breaker.
type OpenAIClient struct {
	baseURL        string
	apiKey         string
	model          string
	timeout        time.Duration
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// OpenAIConfig holds OpenAI completion client configuration.
type OpenAIConfig struct {
	// APIKey is the bearer token sent with every request.
	APIKey string

	// Model is the chat model for extraction prompts (default: gpt-4o-mini)
	Model string

	// BaseURL overrides the API host, for proxies and compatible servers
	// (default: https://api.openai.com)
	BaseURL string

	// Timeout is the per-request timeout (default: 60s)
	Timeout time.Duration
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewOpenAIClient creates a new OpenAI completion client, applying defaults
// for any zero-valued configuration field.
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &OpenAIClient{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		model:   config.Model,
		timeout: config.Timeout,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		circuitBreaker: NewCircuitBreaker(),
	}
}

// Complete sends a completion request to OpenAI and returns the response text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("openai circuit breaker open: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	body := openAIChatRequest{
		Model:       c.model,
		Messages:    []openAIChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
	}

	var parsed openAIChatResponse
	if err := c.post(ctx, "/v1/chat/completions", body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// post sends one authenticated JSON request and decodes the response into
// out. Non-200 statuses return the response body in the error.
func (c *OpenAIClient) post(ctx context.Context, path string, payload, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Breaker exposes the circuit breaker for health reporting.
func (c *OpenAIClient) Breaker() *CircuitBreaker {
	return c.circuitBreaker
}

var _ TextGenerator = (*OpenAIClient)(nil)

// OpenAIEmbeddingClient generates embedding vectors through the OpenAI
// embeddings API. Completions and embeddings use different models with
// different latency profiles, so the embedding side gets its own client,
// breaker, and timeout instead of sharing the completion client's.
type OpenAIEmbeddingClient struct {
	inner *OpenAIClient
}

// OpenAIEmbeddingConfig holds OpenAI embedding client configuration.
type OpenAIEmbeddingConfig struct {
	// APIKey is the bearer token sent with every request.
	APIKey string

	// Model is the embedding model (default: text-embedding-3-small)
	Model string

	// BaseURL overrides the API host (default: https://api.openai.com)
	BaseURL string

	// Timeout is the per-request timeout (default: 30s)
	Timeout time.Duration
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The API returns float64 vectors; storage and the vector indexes work in
// float32, so Embed narrows on the way out.
type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbeddingClient creates a new OpenAI embedding client, applying
// defaults for any zero-valued configuration field.
func NewOpenAIEmbeddingClient(config OpenAIEmbeddingConfig) *OpenAIEmbeddingClient {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAIEmbeddingClient{
		inner: NewOpenAIClient(OpenAIConfig{
			APIKey:  config.APIKey,
			Model:   config.Model,
			BaseURL: config.BaseURL,
			Timeout: config.Timeout,
		}),
	}
}

// Embed generates an embedding vector for the given text.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.inner.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("openai embedding circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (c *OpenAIEmbeddingClient) embed(ctx context.Context, text string) ([]float32, error) {
	body := openAIEmbeddingRequest{
		Model: c.inner.model,
		Input: text,
	}

	var parsed openAIEmbeddingResponse
	if err := c.inner.post(ctx, "/v1/embeddings", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned empty embedding")
	}

	raw := parsed.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Model returns the configured model name.
func (c *OpenAIEmbeddingClient) Model() string {
	return c.inner.model
}

var _ EmbeddingGenerator = (*OpenAIEmbeddingClient)(nil)
