// Package checkpoint implements the incremental writer / checkpoint
// store: an append-only per-unit result log plus a small progress
// record, enabling exact resume (spec.md §4.7).
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/batchlm/engine/internal/batch/unit"
)

const (
	progressFileName = "progress.json"
	resultsFileName  = "results.jsonl"
)

// Progress is the small key-value blob tracking a job's overall state
// (spec.md §3 "Checkpoint... A progress record").
type Progress struct {
	JobID      string    `json:"job_id"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	LastUpdate time.Time `json:"last_update"`

	// Template/Model/Params are carried so resume can continue with the
	// identical configuration the original run used (spec.md §6.1
	// "resume... continue with the same template and parameters
	// recorded in the progress blob").
	Template string          `json:"template"`
	Model    string          `json:"model"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Store is a per-job directory pair (progress, results). append is
// safe under process crash: partial trailing records are discarded on
// read (spec.md §4.7).
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir if it does not
// already exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) progressPath() string { return filepath.Join(s.dir, progressFileName) }
func (s *Store) resultsPath() string  { return filepath.Join(s.dir, resultsFileName) }

// Append atomically appends one result record to the results log.
// Open-append-close is the only mutation; a crash mid-write leaves at
// most a partial trailing line, which Read discards (spec.md §4.7).
func (s *Store) Append(r unit.Result) error {
	f, err := os.OpenFile(s.resultsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: open results log: %w", err)
	}
	defer f.Close()

	row := flatten(r)
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal result %d: %w", r.Idx, err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("checkpoint: append result %d: %w", r.Idx, err)
	}
	return f.Sync()
}

// SaveProgress overwrites the progress blob with a new version via an
// atomic write-to-temp-then-rename (google/renameio, SPEC_FULL.md
// §12), so a crash mid-write never leaves resume a torn file to read.
func (s *Store) SaveProgress(p Progress) error {
	p.LastUpdate = time.Now()
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal progress: %w", err)
	}
	return renameio.WriteFile(s.progressPath(), b, 0o644)
}

// LoadProgress reads the progress blob. Returns a zero-value Progress
// and no error if one has not yet been saved.
func (s *Store) LoadProgress() (Progress, error) {
	b, err := os.ReadFile(s.progressPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Progress{}, nil
		}
		return Progress{}, fmt.Errorf("checkpoint: read progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return Progress{}, fmt.Errorf("checkpoint: decode progress: %w", err)
	}
	return p, nil
}

// ReadAll scans the full results log, deduplicating by _idx (last
// record per index wins) and returning results sorted ascending by
// _idx (spec.md §4.7 "read_all").
func (s *Store) ReadAll() ([]unit.Result, error) {
	byIdx, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := make([]unit.Result, 0, len(byIdx))
	for _, r := range byIdx {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

// CompletedIndices returns the set of _idx values whose latest record
// carries neither an error nor a parse_error (spec.md §4.7).
func (s *Store) CompletedIndices() (map[int]struct{}, error) {
	byIdx, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := map[int]struct{}{}
	for idx, r := range byIdx {
		if r.Error == "" && r.ParseError == "" {
			out[idx] = struct{}{}
		}
	}
	return out, nil
}

// FailedIndices returns the set of _idx values whose latest record
// carries an error or parse_error (spec.md §4.7).
func (s *Store) FailedIndices() (map[int]struct{}, error) {
	byIdx, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := map[int]struct{}{}
	for idx, r := range byIdx {
		if r.Error != "" || r.ParseError != "" {
			out[idx] = struct{}{}
		}
	}
	return out, nil
}

// scan reads the results log line by line, discarding a malformed
// trailing partial record (spec.md §4.7 "Malformed trailing bytes are
// discarded silently on read"), and keeps the last record seen per
// _idx.
func (s *Store) scan() (map[int]unit.Result, error) {
	f, err := os.Open(s.resultsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]unit.Result{}, nil
		}
		return nil, fmt.Errorf("checkpoint: open results log: %w", err)
	}
	defer f.Close()

	byIdx := map[int]unit.Result{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			// Malformed/partial trailing record: discard silently.
			continue
		}
		r := unflatten(row)
		byIdx[r.Idx] = r
	}
	// sc.Err() reflects only read errors, not unmarshal failures
	// (already handled above); a non-EOF error is still worth
	// surfacing.
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: scan results log: %w", err)
	}
	return byIdx, nil
}

func flatten(r unit.Result) map[string]any {
	out := make(map[string]any, len(r.Fields)+8)
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
	out["_attempts"] = r.Attempts
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

func unflatten(row map[string]any) unit.Result {
	r := unit.Result{Fields: map[string]any{}}
	for k, v := range row {
		switch k {
		case unit.IndexField:
			r.Idx = toInt(v)
		case "result":
			r.Text, _ = v.(string)
		case "parse_error":
			r.ParseError, _ = v.(string)
		case "error":
			r.Error, _ = v.(string)
		case "_attempts":
			r.Attempts = toInt(v)
		case "_retries_exhausted":
			r.RetriesExhausted, _ = v.(bool)
		case "_prompt_tokens":
			r.PromptTokens = toInt(v)
		case "_completion_tokens":
			r.CompletionTokens = toInt(v)
		case "_cost_usd":
			if f, ok := v.(float64); ok {
				r.CostUSD = f
			}
		default:
			r.Fields[k] = v
		}
	}
	return r
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}
