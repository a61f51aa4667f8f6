// Package gemini is a small REST client for Gemini's generateContent
// endpoint, returning the raw model text for the caller to validate.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error wraps a Gemini call failure.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func fail(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Config identifies the Gemini deployment to call.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	Retries         int
	TimeoutSeconds  int
}

// Client calls Gemini's generateContent REST endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateContent calls Gemini with responseMimeType=application/json
// and returns the model's raw text, which callers should still guard
// against stray prose or markdown fences before parsing as JSON.
func (c *Client) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fail("missing API key")
	}
	if c.cfg.BaseURL == "" {
		return "", fail("missing base_url")
	}
	if c.cfg.Model == "" {
		return "", fail("missing model")
	}
	if prompt == "" {
		return "", fail("missing prompt")
	}

	base := strings.TrimRight(c.cfg.BaseURL, "/")
	var url string
	if strings.HasSuffix(base, "/v1beta") {
		url = fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, c.cfg.Model, c.cfg.APIKey)
	} else {
		url = fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", base, c.cfg.Model, c.cfg.APIKey)
	}

	temperature := c.cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	maxTokens := c.cfg.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:      temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMimeType: "application/json",
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fail("encode request: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		text, retryable, err := c.attempt(ctx, url, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.Retries-1 {
			return "", fail("failed to call Gemini: %v", lastErr)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(1500*(attempt+1)) * time.Millisecond):
		}
	}
	return "", fail("failed to call Gemini: %v", lastErr)
}

func (c *Client) attempt(ctx context.Context, url string, payload []byte) (text string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, err
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 && resp.StatusCode < 600
		return "", retryable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var data generateResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if len(data.Candidates) == 0 {
		return "", false, fmt.Errorf("no candidates in response: %s", string(body))
	}
	parts := data.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == "" {
		return "", false, fmt.Errorf("no text in response: %s", string(body))
	}
	return parts[0].Text, false, nil
}
