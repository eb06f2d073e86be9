package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 20 * time.Second

type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPGenerator calls a question generation endpoint:
// POST {"category": "..."} -> {"questions": [{"question": "...", "options": ["..."]}]}.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

func NewHTTPGenerator(c HTTPConfig) *HTTPGenerator {
	client := c.Client
	if client == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPGenerator{
		url:    c.URL,
		client: client,
	}
}

type (
	generateRequest struct {
		Category string `json:"category"`
	}

	generateResponse struct {
		Questions []RawQuestion `json:"questions"`
	}
)

func (g *HTTPGenerator) Generate(ctx context.Context, category string) ([]RawQuestion, error) {
	body, err := json.Marshal(generateRequest{Category: category})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, b)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return out.Questions, nil
}
