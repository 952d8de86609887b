package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultTurnModel    = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// TurnClient performs one-shot completions against the Anthropic messages
// API. It backs in_process agent runs and pipeline prompt steps; all other
// modes spawn a CLI instead.
type TurnClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewTurnClient builds a client, or nil when no API key is configured.
func NewTurnClient() *TurnClient {
	key := os.Getenv("GOBBY_ANTHROPIC_API_KEY")
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil
	}

	base := anthropicAPIBase
	if v := os.Getenv("GOBBY_ANTHROPIC_BASE_URL"); v != "" {
		base = strings.TrimRight(v, "/")
	}
	model := defaultTurnModel
	if v := os.Getenv("GOBBY_TURN_MODEL"); v != "" {
		model = v
	}

	return &TurnClient{
		apiKey:  key,
		baseURL: base,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type turnRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []turnMessage `json:"messages"`
}

type turnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type turnResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one user prompt and returns the concatenated text blocks.
func (c *TurnClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(turnRequest{
		Model:     c.model,
		MaxTokens: 8192,
		Messages:  []turnMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	var parsed turnResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("anthropic: %s: %s", parsed.Error.Type, parsed.Error.Message)
		}
		return "", fmt.Errorf("anthropic: status %d", resp.StatusCode)
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
