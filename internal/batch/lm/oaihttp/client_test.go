package oaihttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/batchlm/engine/internal/batch/lm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewWithHTTPClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		BackoffJitter: time.Millisecond,
	}, srv.Client())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}
	return c, srv
}

func TestCompleteSuccessExtractsTextAndUsage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hola"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	})

	text, usage, err := c.Complete(context.Background(), "hello", lm.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hola" {
		t.Fatalf("expected text=hola, got %q", text)
	}
	if usage.PromptTokens != 10 || usage.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestCompleteFatalStatusIsNotRetried(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "bad key"}`))
	})

	params := lm.DefaultParams()
	params.MaxRetries = 3
	_, _, err := c.Complete(context.Background(), "hello", params)
	if err == nil {
		t.Fatalf("expected error")
	}
	lmErr, ok := lm.AsError(err)
	if !ok || !lmErr.Fatal() {
		t.Fatalf("expected fatal classification, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a fatal error, got %d", calls)
	}
}

func TestCompleteRetryableStatusRetriesUntilSuccess(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": "rate limited"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"done"}}]}`))
	})

	params := lm.DefaultParams()
	params.MaxRetries = 5
	text, _, err := c.Complete(context.Background(), "hello", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "done" {
		t.Fatalf("expected text=done, got %q", text)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (2 retries + success), got %d", calls)
	}
}

func TestCompleteRetriesExhaustedReturnsLastError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "boom"}`))
	})

	params := lm.DefaultParams()
	params.MaxRetries = 2
	_, _, err := c.Complete(context.Background(), "hello", params)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	lmErr, ok := lm.AsError(err)
	if !ok || !lmErr.Retryable() {
		t.Fatalf("expected retryable classification, got %v", err)
	}
}

func TestCompleteEmptyUpstreamTextIsRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	})

	params := lm.DefaultParams()
	params.MaxRetries = 1
	_, _, err := c.Complete(context.Background(), "hello", params)
	if err == nil {
		t.Fatalf("expected error for empty completion text")
	}
	lmErr, ok := lm.AsError(err)
	if !ok || !lmErr.Retryable() {
		t.Fatalf("expected retryable classification for empty text, got %v", err)
	}
}

func TestNewWithHTTPClientRequiresBaseURL(t *testing.T) {
	if _, err := NewWithHTTPClient(Config{}, nil); err == nil {
		t.Fatalf("expected error when base_url is empty")
	}
}

func TestClassifyMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status  int
		fatal   bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		err := classify(&HTTPError{StatusCode: tc.status})
		if err.Fatal() != tc.fatal {
			t.Fatalf("status %d: expected fatal=%v, got %v", tc.status, tc.fatal, err.Fatal())
		}
	}
}
