// Package ai wraps the third-party AI collaborators behind narrow contracts.
// The services themselves are external; the rest of the system only needs a
// call contract and typed failure modes to map onto retry policy.
package ai

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

// Typed failure modes. Task handlers treat ErrRateLimited and ErrTimeout as
// transient; ErrMalformed usually clears on retry too (model flake).
var (
	ErrRateLimited = errors.New("ai: rate limited")
	ErrTimeout     = errors.New("ai: timeout")
	ErrMalformed   = errors.New("ai: malformed response")
)

// Completer produces a chat completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher finds study resources on the web.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Client talks to OpenAI-compatible completion and search endpoints.
type Client struct {
	completionURL string
	searchURL     string
	apiKey        string
	model         string
	hc            *http.Client
}

func NewClient(completionURL, searchURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		completionURL: completionURL,
		searchURL:     searchURL,
		apiKey:        apiKey,
		model:         model,
		hc:            &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, c.completionURL, chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return "", ErrMalformed
	}
	return resp.Choices[0].Message.Content, nil
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if c.searchURL == "" {
		return nil, errors.New("ai: search endpoint not configured")
	}
	body, err := c.post(ctx, c.searchURL, searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, ErrMalformed
	}
	return resp.Results, nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("ai: %s returned %d", url, resp.StatusCode)
	}
	return body, nil
}
