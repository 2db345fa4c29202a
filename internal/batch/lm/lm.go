// Package lm defines the LM client's interface surface, its error
// taxonomy, and the pricing table used to compute usage cost
// (spec.md §4.3). Concrete engines live in sibling packages (oaihttp,
// mock), mirroring the teacher's engine.Engine interface-first design.
package lm

import (
	"context"
	"errors"
	"time"
)

// Message is one chat-turn sent to the LM, mirroring the teacher's
// engine.Message shape.
type Message struct {
	Role    string
	Content string
}

// Params are the explicit, enumerated tunables for a completion call
// (spec.md §9 "model as an explicit parameter struct"). Unknown keys
// are a programming error by construction: there is no map escape
// hatch here.
type Params struct {
	Model         string
	MaxTokens     int           // required, default 1500
	Temperature   float64
	Timeout       time.Duration // required, default 120s
	MaxRetries    int
}

// DefaultParams returns the spec-mandated defaults (spec.md §4.3).
func DefaultParams() Params {
	return Params{
		MaxTokens:  1500,
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

// Usage is the structured usage/cost metadata returned alongside text
// on a successful completion (spec.md §4.3).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	PriceMissing     bool
}

// Kind classifies an LM-call failure into one of the two disjoint
// categories the engine reasons about (spec.md §9 "collapse into a
// small error enum").
type Kind int

const (
	// KindFatal covers authentication/authorization/malformed-request
	// failures: surfaced immediately, never retried.
	KindFatal Kind = iota
	// KindRetryable covers rate-limit/timeout/transient-server/network
	// failures: retried inside the client with jittered backoff.
	KindRetryable
)

// Error wraps an underlying provider error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return "lm: unknown error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Fatal() bool     { return e.Kind == KindFatal }
func (e *Error) Retryable() bool { return e.Kind == KindRetryable }

func Fatal(err error) *Error     { return &Error{Kind: KindFatal, Err: err} }
func Retryable(err error) *Error { return &Error{Kind: KindRetryable, Err: err} }

// AsError extracts an *Error classification from err, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Client is the single entry point for completion calls (spec.md
// §4.3). Complete and CompleteConcurrent have identical semantics;
// CompleteConcurrent is safe to call from the engine's cooperative
// parallel-mode scheduler and must never spin up a nested scheduler
// (spec.md §9 "take the ambient scheduler rather than instantiating a
// new one") — in Go this collapses to the same blocking call honoring
// ctx, since goroutines share one ambient scheduler already.
type Client interface {
	Complete(ctx context.Context, prompt string, params Params) (text string, usage Usage, err error)
	CompleteConcurrent(ctx context.Context, prompt string, params Params) (text string, usage Usage, err error)
}

// ModelPrice is a per-million-token rate pair plus an optional markup factor.
type ModelPrice struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
	Markup               float64 // 1.0 = no markup
}

// PriceTable computes cost from token counts by model name. A missing
// price yields a cost of 0 and a true second return value from Cost
// (spec.md §4.3).
type PriceTable map[string]ModelPrice

func (t PriceTable) Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	p, ok := t[model]
	if !ok {
		return 0, true
	}
	markup := p.Markup
	if markup == 0 {
		markup = 1.0
	}
	cost := (float64(promptTokens)/1_000_000)*p.PromptPerMillion + (float64(completionTokens)/1_000_000)*p.CompletionPerMillion
	return cost * markup, false
}
