// Package adapter defines the Source/Sink abstraction that bridges a
// concrete dataset format to the engine's Unit/Result vocabulary
// (spec.md §4.1). Only the interfaces and the shared safety policy
// are core; concrete formats live in sibling internal/batch/adapters/*
// packages.
package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/batchlm/engine/internal/batch/unit"
)

// Source produces a finite, lazily-evaluated sequence of Units in
// source order. Next returns (Unit{}, false, nil) once exhausted.
// Re-opening a Source against the same underlying input must yield
// the same sequence (spec.md §4.1 "must be resumable from the source").
type Source interface {
	Next(ctx context.Context) (unit.Unit, bool, error)
	// Schema is a best-effort description of field names for
	// template-validation; may return nil.
	Schema(ctx context.Context) ([]string, error)
	Close() error
}

// Sink persists a sequence of Results in source order. Implementations
// must accept both a single materialized call and incremental calls
// (spec.md §4.1).
type Sink interface {
	WriteResults(ctx context.Context, results []unit.Result) error
	Close() error
}

// Adapter is the full bridge a concrete format implements.
type Adapter interface {
	Open(ctx context.Context) (Source, error)
	OpenSink(ctx context.Context) (Sink, error)
}

// PathPolicy is the closed safety policy applied at adapter
// construction time: no path may resolve outside Root (spec.md §4.1
// "validated against a closed safety policy (no traversal outside a
// configured root)").
type PathPolicy struct {
	Root string
}

// ValidatePath resolves p against the policy root and rejects any
// result that escapes it.
func (p PathPolicy) ValidatePath(path string) (string, error) {
	if p.Root == "" {
		return "", fmt.Errorf("adapter path policy: no root configured")
	}
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(root, path)
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rootWithSep := root + string(filepath.Separator)
	if resolved != root && !strings.HasPrefix(resolved, rootWithSep) {
		return "", fmt.Errorf("adapter path policy: %q escapes root %q", path, root)
	}
	return resolved, nil
}

// ReadOnlyQuery is the closed safety policy for query-bearing
// adapters: only a SELECT statement is accepted, and identifiers must
// already be quoted by the caller (spec.md §4.1
// "query-bearing adapters reject anything other than read-only
// queries and quote column identifiers").
func ReadOnlyQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT ") && upper != "SELECT" {
		return fmt.Errorf("adapter query policy: only read-only SELECT statements are allowed")
	}
	forbidden := []string{"INSERT ", "UPDATE ", "DELETE ", "DROP ", "ALTER ", "TRUNCATE ", "GRANT ", "CREATE ", ";"}
	for _, f := range forbidden {
		if strings.Contains(upper, f) {
			return fmt.Errorf("adapter query policy: disallowed token %q in query", strings.TrimSpace(f))
		}
	}
	return nil
}
