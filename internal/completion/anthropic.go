// Package completion talks to the text-completion service used to narrate
// trends and suggest container merges.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// ErrNotConfigured means no API key is available. Callers treat it as
// "feature disabled".
var ErrNotConfigured = errors.New("completion service not configured")

// Result is one completion with its billed cost in dollars
type Result struct {
	Text string
	Cost float64
}

// Completer turns a prompt into text
type Completer interface {
	Complete(ctx context.Context, prompt string) (Result, error)
}

// Options configures the Anthropic client
type Options struct {
	APIKey            string
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
	// Endpoint overrides the Messages API URL
	Endpoint string
}

// Client calls the Anthropic Messages API
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client, or returns ErrNotConfigured without an API key
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-20250514"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Endpoint == "" {
		opts.Endpoint = anthropicAPI
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(opts.RequestsPerMinute) / 60)
	}

	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a single user message and returns the first text block
func (c *Client) Complete(ctx context.Context, prompt string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}

	reqBody := apiRequest{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Result{}, fmt.Errorf("unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return Result{}, fmt.Errorf("api error: %s", apiResp.Error.Message)
	}

	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return Result{}, errors.New("empty response")
	}

	return Result{
		Text: text,
		Cost: c.cost(apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens),
	}, nil
}

func (c *Client) cost(in, out int) float64 {
	return (float64(in)*c.opts.InputCostPerMTok + float64(out)*c.opts.OutputCostPerMTok) / 1e6
}

// ParseJSON decodes a model reply into v, tolerating a surrounding
// markdown code fence.
func ParseJSON(text string, v interface{}) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("parse json: %w (response: %s)", err, text)
	}
	return nil
}
