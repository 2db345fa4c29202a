// Package jsonl implements a newline-delimited JSON Adapter, the
// primary format for the interactive command-line driver.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/unit"
)

// Adapter reads units from an input JSONL file and writes results to
// an output JSONL file, both validated against a PathPolicy root.
type Adapter struct {
	Policy adapter.PathPolicy
	Input  string
	Output string
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) Open(ctx context.Context) (adapter.Source, error) {
	path, err := a.Policy.ValidatePath(a.Input)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open input: %w", err)
	}
	return &source{f: f, scanner: bufio.NewScanner(f)}, nil
}

func (a *Adapter) OpenSink(ctx context.Context) (adapter.Sink, error) {
	path, err := a.Policy.ValidatePath(a.Output)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open output: %w", err)
	}
	return &sink{f: f, w: bufio.NewWriter(f)}, nil
}

type source struct {
	f       *os.File
	scanner *bufio.Scanner
	idx     int
}

func (s *source) Next(ctx context.Context) (unit.Unit, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			return unit.Unit{}, false, fmt.Errorf("jsonl: malformed record at line index %d: %w", s.idx, err)
		}
		delete(fields, unit.IndexField)
		u := unit.Unit{Idx: s.idx, Fields: fields}
		s.idx++
		return u, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return unit.Unit{}, false, fmt.Errorf("jsonl: read input: %w", err)
	}
	return unit.Unit{}, false, nil
}

func (s *source) Schema(ctx context.Context) ([]string, error) { return nil, nil }

func (s *source) Close() error { return s.f.Close() }

type sink struct {
	f *os.File
	w *bufio.Writer
}

func (s *sink) WriteResults(ctx context.Context, results []unit.Result) error {
	for _, r := range results {
		row := flatten(r)
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("jsonl: marshal result %d: %w", r.Idx, err)
		}
		if _, err := s.w.Write(b); err != nil {
			return fmt.Errorf("jsonl: write result %d: %w", r.Idx, err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

func (s *sink) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// flatten produces the on-disk row shape: unit fields plus the result
// metadata fields, with `_idx` always present.
func flatten(r unit.Result) map[string]any {
	out := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[unit.IndexField] = r.Idx
	if r.Text != "" {
		out["result"] = r.Text
	}
	if r.ParseError != "" {
		out["parse_error"] = r.ParseError
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Attempts > 0 {
		out["_attempts"] = r.Attempts
	}
	if r.RetriesExhausted {
		out["_retries_exhausted"] = true
	}
	if r.PromptTokens > 0 {
		out["_prompt_tokens"] = r.PromptTokens
	}
	if r.CompletionTokens > 0 {
		out["_completion_tokens"] = r.CompletionTokens
	}
	if r.CostUSD != 0 {
		out["_cost_usd"] = r.CostUSD
	}
	return out
}
