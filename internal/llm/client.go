// Package llm talks to an OpenAI-compatible chat completion API (OpenAI,
// Azure OpenAI, OpenRouter, or a local Ollama /v1 endpoint).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:11434/v1"
	DefaultModel   = "llama3.1"

	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Config selects the endpoint and model. A non-empty AzureAPIVersion switches
// to the Azure OpenAI URL scheme, where Model is the deployment name.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	AzureAPIVersion string
}

// Client communicates with the chat completion API.
type Client struct {
	apiKey          string
	baseURL         string
	model           string
	azureAPIVersion string
	httpClient      *http.Client
	logger          *slog.Logger
}

// NewClient creates a client for cfg, filling in defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		model:           cfg.Model,
		azureAPIVersion: cfg.AzureAPIVersion,
		httpClient:      &http.Client{Timeout: defaultTimeout},
		logger:          slog.Default(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	return c
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// Chat sends a completion request and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if req.Model == "" && c.azureAPIVersion == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		out, err := c.doChat(ctx, body)
		if err == nil {
			return out, nil
		}
		if !isRateLimit(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Warn("llm rate limited, retrying", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) chatURL() string {
	if c.azureAPIVersion != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.azureAPIVersion))
	}
	return c.baseURL + "/chat/completions"
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

// ListModels returns the models the endpoint serves. Azure deployments do
// not support listing.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey == "" {
		return
	}
	if c.azureAPIVersion != "" {
		req.Header.Set("api-key", c.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
