// Package oaihttp implements lm.Client against an OpenAI-compatible
// chat-completions HTTP endpoint, adapted from the teacher's
// internal/inference/engine/oaihttp engine: the same request-building
// and text-extraction helpers, reshaped around
// this spec's Fatal/Retryable error taxonomy and retry/backoff policy
// (spec.md §4.3) instead of the teacher's embed/stream/score surface.
package oaihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/batchlm/engine/internal/batch/lm"
)

// Config configures a single upstream OpenAI-compatible endpoint.
type Config struct {
	BaseURL             string
	APIKey              string
	ChatCompletionsPath string

	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration

	// RateLimitPerSecond, if > 0, caps outbound requests independent
	// of the retry/backoff policy (grounded on golang.org/x/time/rate,
	// SPEC_FULL.md §12).
	RateLimitPerSecond float64
}

// Client is the concrete engine.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ lm.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	return NewWithHTTPClient(cfg, nil)
}

// NewWithHTTPClient allows tests to substitute a stub RoundTripper,
// mirroring the teacher's NewWithHTTPClient constructor.
func NewWithHTTPClient(cfg Config, httpClient *http.Client) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("oaihttp: base_url required")
	}
	chatPath := strings.TrimSpace(cfg.ChatCompletionsPath)
	if chatPath == "" {
		chatPath = "/v1/chat/completions"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.BackoffJitter <= 0 {
		cfg.BackoffJitter = 5 * time.Second
	}
	cfg.BaseURL = baseURL
	cfg.ChatCompletionsPath = chatPath

	if httpClient == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		httpClient = &http.Client{Transport: tr}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}

	return &Client{cfg: cfg, httpClient: httpClient, limiter: limiter}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content,omitempty"`
		} `json:"message,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs a single blocking completion call, retrying
// retryable errors with exponential backoff + jitter up to
// params.MaxRetries attempts (spec.md §4.3).
func (c *Client) Complete(ctx context.Context, prompt string, params lm.Params) (string, lm.Usage, error) {
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return "", lm.Usage{}, err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", lm.Usage{}, err
			}
		}

		text, usage, err := c.attempt(ctx, prompt, params)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err

		lmErr, ok := lm.AsError(err)
		if !ok || lmErr.Fatal() {
			return "", lm.Usage{}, err
		}
		// retryable: loop
	}
	return "", lm.Usage{}, lastErr
}

// CompleteConcurrent has identical semantics to Complete; the client
// holds no per-call state, so there is nothing additional a
// cooperative caller needs (spec.md §4.3, §9).
func (c *Client) CompleteConcurrent(ctx context.Context, prompt string, params lm.Params) (string, lm.Usage, error) {
	return c.Complete(ctx, prompt, params)
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	backoff := c.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if backoff > c.cfg.BackoffCap {
		backoff = c.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(c.cfg.BackoffJitter) + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff + jitter):
		return nil
	}
}

func (c *Client) attempt(ctx context.Context, prompt string, params lm.Params) (string, lm.Usage, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	reqBody := chatCompletionRequest{
		Model:       params.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}

	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return "", lm.Usage{}, lm.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx2, http.MethodPost, c.cfg.BaseURL+c.cfg.ChatCompletionsPath, &buf)
	if err != nil {
		return "", lm.Usage{}, lm.Fatal(err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx2.Err(), context.DeadlineExceeded) {
			return "", lm.Usage{}, lm.Retryable(fmt.Errorf("request timeout: %w", err))
		}
		return "", lm.Usage{}, lm.Retryable(fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		return "", lm.Usage{}, classify(httpErr)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", lm.Usage{}, lm.Retryable(fmt.Errorf("decode response: %w", err))
	}

	text := extractChatText(parsed)
	if strings.TrimSpace(text) == "" {
		return "", lm.Usage{}, lm.Retryable(errors.New("empty upstream completion"))
	}

	usage := lm.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	return text, usage, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func extractChatText(resp chatCompletionResponse) string {
	for _, ch := range resp.Choices {
		if strings.TrimSpace(ch.Message.Content) != "" {
			return ch.Message.Content
		}
		if strings.TrimSpace(ch.Text) != "" {
			return ch.Text
		}
	}
	return ""
}

// classify maps an HTTP status to the engine's Fatal/Retryable
// taxonomy (spec.md §4.3): 401/403/400/422 are fatal, 408/429/5xx are
// retryable, and every other status below 500 is fatal.
func classify(err *HTTPError) *lm.Error {
	switch err.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusUnprocessableEntity:
		return lm.Fatal(err)
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return lm.Retryable(err)
	default:
		if err.StatusCode >= 500 {
			return lm.Retryable(err)
		}
		return lm.Fatal(err)
	}
}
