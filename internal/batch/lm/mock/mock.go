// Package mock is a deterministic, scriptable stub lm.Client for
// tests and for the CLI when BATCHLM_API_KEY is unset, mirroring the teacher's
// internal/inference/engine/mock stub engine against the spec's
// lm.Client interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/batchlm/engine/internal/batch/lm"
)

// Response is one canned reply a scripted Client will return.
type Response struct {
	Text  string
	Usage lm.Usage
	Err   error
}

// Client answers Complete calls using an ordered, per-prompt script:
// each call against a given prompt consumes the next queued Response
// for that exact prompt string. Once a prompt's queue is exhausted,
// Client falls back to a deterministic default ("mock: <prompt>"),
// matching the teacher's unconditional default-echo fallback.
type Client struct {
	mu     sync.Mutex
	script map[string][]Response
	calls  map[string]int
}

var _ lm.Client = (*Client)(nil)

func New() *Client {
	return &Client{script: map[string][]Response{}, calls: map[string]int{}}
}

// Script queues successive responses for a given exact prompt. Each
// call to Complete with that prompt consumes entries in order.
func (c *Client) Script(prompt string, responses ...Response) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[prompt] = append(c.script[prompt], responses...)
	return c
}

func (c *Client) CallCount(prompt string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[prompt]
}

func (c *Client) Complete(ctx context.Context, prompt string, params lm.Params) (string, lm.Usage, error) {
	select {
	case <-ctx.Done():
		return "", lm.Usage{}, ctx.Err()
	default:
	}

	c.mu.Lock()
	c.calls[prompt]++
	queue := c.script[prompt]
	var next *Response
	if len(queue) > 0 {
		r := queue[0]
		c.script[prompt] = queue[1:]
		next = &r
	}
	c.mu.Unlock()

	if next != nil {
		if next.Err != nil {
			return "", lm.Usage{}, next.Err
		}
		return next.Text, next.Usage, nil
	}
	return fmt.Sprintf("mock: %s", prompt), lm.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}, nil
}

func (c *Client) CompleteConcurrent(ctx context.Context, prompt string, params lm.Params) (string, lm.Usage, error) {
	return c.Complete(ctx, prompt, params)
}
