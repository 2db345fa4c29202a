package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/unit"
)

func TestAdapterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.jsonl")
	body := `{"text": "hello"}` + "\n" + `{"text": "world"}` + "\n"
	if err := os.WriteFile(inputPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write input fixture: %v", err)
	}

	a := &Adapter{
		Policy: adapter.PathPolicy{Root: dir},
		Input:  "input.jsonl",
		Output: "output.jsonl",
	}

	ctx := context.Background()
	src, err := a.Open(ctx)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	var units []unit.Unit
	for {
		u, ok, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		units = append(units, u)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Idx != 0 || units[1].Idx != 1 {
		t.Fatalf("expected monotonically increasing indices, got %d, %d", units[0].Idx, units[1].Idx)
	}
	if units[0].Fields["text"] != "hello" {
		t.Fatalf("expected first unit text=hello, got %v", units[0].Fields["text"])
	}

	sink, err := a.OpenSink(ctx)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	results := []unit.Result{
		{Idx: 0, Fields: units[0].Fields, Text: "hola"},
		{Idx: 1, Fields: units[1].Fields, Error: "boom"},
	}
	if err := sink.WriteResults(ctx, results); err != nil {
		t.Fatalf("write results: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "output.jsonl"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"result":"hola"`) {
		t.Fatalf("expected first line to carry result, got %q", lines[0])
	}
	if !strings.Contains(lines[1], `"error":"boom"`) {
		t.Fatalf("expected second line to carry error, got %q", lines[1])
	}
}

func TestOpenRejectsPathEscapingRoot(t *testing.T) {
	dir := t.TempDir()
	a := &Adapter{
		Policy: adapter.PathPolicy{Root: dir},
		Input:  "../outside.jsonl",
		Output: "output.jsonl",
	}
	if _, err := a.Open(context.Background()); err == nil {
		t.Fatalf("expected path traversal to be rejected")
	}
}

func TestNextRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.jsonl")
	if err := os.WriteFile(inputPath, []byte("not json\n"), 0o644); err != nil {
		t.Fatalf("write input fixture: %v", err)
	}
	a := &Adapter{
		Policy: adapter.PathPolicy{Root: dir},
		Input:  "input.jsonl",
		Output: "output.jsonl",
	}
	src, err := a.Open(context.Background())
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	if _, _, err := src.Next(context.Background()); err == nil {
		t.Fatalf("expected malformed line to error")
	}
}
