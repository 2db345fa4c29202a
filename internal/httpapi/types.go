package httpapi

import (
	"encoding/json"
	"time"

	"github.com/batchlm/engine/internal/batch/postprocess"
)

// jobCreateRequest is the wire shape of POST /api/jobs, validated
// against jobCreateSchema before it is ever unmarshaled into this
// struct (spec.md §6.2).
type jobCreateRequest struct {
	OwnerID         string              `json:"owner_id"`
	Model           string              `json:"model"`
	Template        string              `json:"template"`
	APIKey          string              `json:"api_key"`
	InputObjectKey  string              `json:"input_object_key"`
	OutputObjectKey string              `json:"output_object_key"`
	TotalUnits      int                 `json:"total_units"`
	MaxTokens       int                 `json:"max_tokens"`
	Temperature     float64             `json:"temperature"`
	TimeoutSeconds  int                 `json:"timeout_seconds"`
	MaxRetries      int                 `json:"max_retries"`
	Mode            string              `json:"mode"`
	Concurrency     int                 `json:"concurrency"`
	ParseRetries    int                 `json:"parse_retries"`
	CircuitBreaker  int                 `json:"circuit_breaker"`
	PostProcess     postprocess.Options `json:"post_process"`
	Queue           string              `json:"queue"`
}

func (r *jobCreateRequest) applyDefaults() {
	if r.MaxTokens == 0 {
		r.MaxTokens = 1500
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 120
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.Mode == "" {
		r.Mode = "sequential"
	}
	if r.Concurrency == 0 {
		r.Concurrency = 1
	}
	if r.CircuitBreaker == 0 {
		r.CircuitBreaker = 5
	}
	if r.Queue == "" {
		r.Queue = "default"
	}
}

// jobView is the read-facing projection of queue.Job returned by
// GET/POST job endpoints.
type jobView struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Failed       int       `json:"failed"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// admissionCheckRequest is the body of POST /api/admission/check, a
// dry-run of the same Admit() call job creation performs, so a caller
// can validate a prospective job before uploading its input file
// (spec.md §6.2 "admit(owner, model, template, params) -> allow |
// deny(reason)" exposed standalone).
type admissionCheckRequest struct {
	OwnerID    string `json:"owner_id"`
	Model      string `json:"model"`
	Template   string `json:"template"`
	TotalUnits int    `json:"total_units"`
}

func decodeJSON[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
