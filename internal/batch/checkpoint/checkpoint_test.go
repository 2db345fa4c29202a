package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/batchlm/engine/internal/batch/unit"
)

func TestAppendAndReadAllDedupesByIdx(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Append(unit.Result{Idx: 0, Fields: map[string]any{"text": "hello"}, Error: "boom"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(unit.Result{Idx: 1, Fields: map[string]any{"text": "world"}, Text: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Re-append for idx 0 with a later, successful outcome.
	if err := s.Append(unit.Result{Idx: 0, Fields: map[string]any{"text": "hello"}, Text: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 deduped records, got %d", len(all))
	}
	if all[0].Idx != 0 || all[1].Idx != 1 {
		t.Fatalf("expected ascending _idx order, got %+v", all)
	}
	if all[0].Error != "" {
		t.Fatalf("expected the later successful record to win for idx 0, got error %q", all[0].Error)
	}
}

func TestCompletedAndFailedIndices(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	_ = s.Append(unit.Result{Idx: 0, Text: "ok"})
	_ = s.Append(unit.Result{Idx: 1, Error: "boom"})
	_ = s.Append(unit.Result{Idx: 2, ParseError: "bad json"})

	completed, err := s.CompletedIndices()
	if err != nil {
		t.Fatalf("CompletedIndices: %v", err)
	}
	if _, ok := completed[0]; !ok || len(completed) != 1 {
		t.Fatalf("expected only idx 0 completed, got %v", completed)
	}

	failed, err := s.FailedIndices()
	if err != nil {
		t.Fatalf("FailedIndices: %v", err)
	}
	if _, ok := failed[1]; !ok {
		t.Fatalf("expected idx 1 in failed set")
	}
	if _, ok := failed[2]; !ok {
		t.Fatalf("expected idx 2 (parse error) in failed set")
	}
}

func TestReadAllDiscardsMalformedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	_ = s.Append(unit.Result{Idx: 0, Text: "ok"})

	f, err := os.OpenFile(filepath.Join(dir, resultsFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"_idx":1,"result":"partial`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	all, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the malformed trailing record discarded, got %d records", len(all))
	}
}

func TestSaveAndLoadProgress(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	p := Progress{JobID: "job-1", Total: 100, Processed: 37, Template: "Translate {text}", Model: "gpt-4o-mini"}
	if err := s.SaveProgress(p); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	loaded, err := s.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if loaded.JobID != "job-1" || loaded.Processed != 37 || loaded.Template != p.Template {
		t.Fatalf("unexpected loaded progress: %+v", loaded)
	}
}

func TestLoadProgressMissingReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	p, err := s.LoadProgress()
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if p.JobID != "" || p.Total != 0 {
		t.Fatalf("expected zero-value progress, got %+v", p)
	}
}
