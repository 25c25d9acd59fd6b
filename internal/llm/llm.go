// Package llm talks to OpenAI-compatible chat completion backends with an
// ordered fallback chain.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
	"geoaudit/internal/metrics"
)

// ChatCompleter is the single operation the agents need.
type ChatCompleter interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one chat completion call.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// ParsedOutput is the tagged union an agent gets back: either a parsed
// JSON object or the raw text when no object could be extracted.
type ParsedOutput struct {
	Structured map[string]any
	Raw        string
}

// ParseJSONFields extracts a JSON object from model output. It tries the
// whole string first, then the outermost {...} block, and finally wraps
// the text as raw output.
func ParseJSONFields(content string) ParsedOutput {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err == nil {
		return ParsedOutput{Structured: fields}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &fields); err == nil {
			return ParsedOutput{Structured: fields}
		}
	}

	return ParsedOutput{Raw: content}
}

// backend is one OpenAI-compatible endpoint.
type backend struct {
	name    string
	baseURL string
	apiKey  string
}

// Client tries each configured backend in order and returns the first
// success. All backends failing is an llm_unavailable fault.
type Client struct {
	backends  []backend
	model     string
	maxTokens int
	http      *http.Client
	logger    *slog.Logger
}

func New(cfg config.LLMConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	var backends []backend
	if cfg.Primary.BaseURL != "" {
		backends = append(backends, backend{name: "primary", baseURL: cfg.Primary.BaseURL, apiKey: cfg.Primary.APIKey})
	}
	if cfg.Fallback.BaseURL != "" {
		backends = append(backends, backend{name: "fallback", baseURL: cfg.Fallback.BaseURL, apiKey: cfg.Fallback.APIKey})
	}

	return &Client{
		backends:  backends,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Available reports whether at least one backend is configured.
func (c *Client) Available() bool { return len(c.backends) > 0 }

// Complete runs the request against each backend in order.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if len(c.backends) == 0 {
		return "", fault.Errorf(fault.LLMUnavailable, "llm", "no llm backend configured")
	}

	var lastErr error
	for _, b := range c.backends {
		out, err := c.call(ctx, b, req)
		if err != nil {
			metrics.RecordLLMCall(b.name, false)
			c.logger.Warn("llm backend failed", "backend", b.name, "err", err)
			lastErr = err
			if fault.KindOf(err) == fault.Canceled {
				return "", err
			}
			continue
		}
		metrics.RecordLLMCall(b.name, true)
		return out, nil
	}
	return "", fault.New(fault.LLMUnavailable, "llm", lastErr)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
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

func (c *Client) call(ctx context.Context, b backend, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fault.New(fault.Internal, "llm", err)
	}

	endpoint := strings.TrimRight(b.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fault.New(fault.Internal, "llm", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fault.New(fault.KindOf(err), "llm", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fault.Errorf(fault.FromStatus(resp.StatusCode), "llm",
			"chat completion failed with status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fault.New(fault.ParseError, "llm", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fault.New(fault.ParseError, "llm", errors.New("chat completion returned no choices"))
	}

	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fault.New(fault.ParseError, "llm", fmt.Errorf("empty completion from %s backend", b.name))
	}
	return content, nil
}
