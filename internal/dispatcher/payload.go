package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/batchlm/engine/internal/batch/engine"
	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/postprocess"
)

// TaskPayload is the JSON document stored in queue.Task.Payload: the
// model parameters, template, and opaque encrypted credential
// reference the spec requires (spec.md §3 "Task record... payload
// (containing the model parameters, template, and an opaque,
// encrypted credential reference)").
type TaskPayload struct {
	OwnerID         string              `json:"owner_id"`
	CredentialRef   string              `json:"credential_ref"`
	Model           string              `json:"model"`
	Template        string              `json:"template"`
	MaxTokens       int                 `json:"max_tokens"`
	Temperature     float64             `json:"temperature"`
	TimeoutSeconds  int                 `json:"timeout_seconds"`
	MaxRetries      int                 `json:"max_retries"`
	Mode            string              `json:"mode"` // "sequential" | "parallel"
	Concurrency     int                 `json:"concurrency"`
	ParseRetries    int                 `json:"parse_retries"`
	PostProcess     postprocess.Options `json:"post_process"`
	CircuitBreaker  int                 `json:"circuit_breaker"`
	InputObjectKey  string              `json:"input_object_key"`
	OutputObjectKey string              `json:"output_object_key"`
}

func (p TaskPayload) lmParams() lm.Params {
	return lm.Params{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Timeout:     time.Duration(p.TimeoutSeconds) * time.Second,
		MaxRetries:  p.MaxRetries,
	}
}

func (p TaskPayload) engineMode() engine.Mode {
	if p.Mode == "parallel" {
		return engine.Parallel
	}
	return engine.Sequential
}

// EncodeTaskPayload is the exported form of encodePayload, used by
// internal/httpapi to build a Task row's payload column at job
// creation time (spec.md §4.8 step 1's payload is produced here).
func EncodeTaskPayload(p TaskPayload) (string, error) { return encodePayload(p) }

func decodePayload(raw string) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return TaskPayload{}, fmt.Errorf("dispatcher: decode task payload: %w", err)
	}
	return p, nil
}

func encodePayload(p TaskPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("dispatcher: encode task payload: %w", err)
	}
	return string(b), nil
}
