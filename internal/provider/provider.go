// Package provider implements an OpenAI-compatible chat completion client.
// It works with any API that implements the OpenAI chat completions
// interface (Mistral, Groq, DeepSeek, vLLM, LiteLLM, etc.) via a
// configurable base_url, and feeds the reasoning engine's transcripts.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Sentinel errors for completion calls.
var (
	ErrRateLimit    = errors.New("provider: rate limited")
	ErrUnavailable  = errors.New("provider: unavailable")
	ErrEmptyChoices = errors.New("provider: response contained no choices")
)

// DefaultTimeout bounds how long the client waits for response headers.
const DefaultTimeout = 30 * time.Second

// Config holds the connection settings for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key,omitempty"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`

	// SystemPrompt is prepended to every request. The application composes
	// it from the reasoning grammar and the registered tool list.
	SystemPrompt string `yaml:"-"`
}

// Configured reports whether a completion endpoint is set up at all.
func (c Config) Configured() bool {
	return c.BaseURL != "" && c.Model != ""
}

// Client is a minimal chat completion client.
type Client struct {
	cfg    Config
	apiKey string
	http   *http.Client
}

// NewClient validates the config and builds a client. The API key may come
// from the config directly or from the environment variable it names.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider: base_url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("provider: model is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}

	// Response-header timeout instead of a global client timeout: the
	// per-request context handles overall cancellation.
	return &Client{
		cfg:    cfg,
		apiKey: key,
		http: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.Timeout},
		},
	}, nil
}

// chat completions wire types.

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stop      []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the transcript as a single user message and returns the
// model's continuation. The signature matches react.CompletionFunc.
func (c *Client) Complete(ctx context.Context, transcript string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: transcript})

	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
		Stop:      []string{"OBSERVATION:"},
	})
	if err != nil {
		return "", fmt.Errorf("provider: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("provider: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("provider: decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyChoices
	}
	return parsed.Choices[0].Message.Content, nil
}

// decodeError maps an HTTP error response onto the package sentinels,
// carrying the server's message when one is present.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))

	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimit, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("provider: status %d: %s", resp.StatusCode, msg)
	}
}
