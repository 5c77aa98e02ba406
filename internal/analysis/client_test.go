package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newClientLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAnalyze_ParsesResultAndKeepsRawPayload(t *testing.T) {
	var gotAuth string
	var gotBody analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidate_name":"Ada","summary":"solid","score":{"overall":92,"recommendation":"yes"},"strengths":["go"]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(newClientLogger(), srv.URL, "token123", 5*time.Second, 1)
	jc := "backend role"
	res, err := client.Analyze(context.Background(), "cv text", &jc)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if gotAuth != "Bearer token123" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotBody.CVText != "cv text" || gotBody.JobContext == nil || *gotBody.JobContext != jc {
		t.Fatalf("request body mismatch: %+v", gotBody)
	}
	if res.CandidateName != "Ada" || res.Score == nil || res.Score.Overall != 92 {
		t.Fatalf("result mismatch: %+v", res)
	}
	// Raw keeps fields the struct does not model.
	var raw map[string]any
	if err := json.Unmarshal(res.Raw, &raw); err != nil {
		t.Fatalf("raw payload: %v", err)
	}
	if _, ok := raw["strengths"]; !ok {
		t.Fatalf("raw payload dropped extra fields: %v", raw)
	}
}

func TestAnalyze_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"candidate_name":"Ada","score":{"overall":70,"recommendation":"maybe"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(newClientLogger(), srv.URL, "", 5*time.Second, 3)
	res, err := client.Analyze(context.Background(), "cv", nil)
	if err != nil {
		t.Fatalf("analyze should recover from a transient 502: %v", err)
	}
	if res.Score.Overall != 70 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls.Load())
	}
}

func TestAnalyze_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"cv text too short"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(newClientLogger(), srv.URL, "", 5*time.Second, 3)
	_, err := client.Analyze(context.Background(), "cv", nil)

	var aerr *AnalysisError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
	if aerr.StatusCode != http.StatusUnprocessableEntity || aerr.Message != "cv text too short" {
		t.Fatalf("unexpected error details: %+v", aerr)
	}
	if calls.Load() != 1 {
		t.Fatalf("application failures must not be retried, got %d calls", calls.Load())
	}
}

func TestAnalyze_OKWithErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model overloaded, no result"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(newClientLogger(), srv.URL, "", 5*time.Second, 1)
	_, err := client.Analyze(context.Background(), "cv", nil)

	var aerr *AnalysisError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
	if aerr.Message != "model overloaded, no result" {
		t.Fatalf("unexpected message: %q", aerr.Message)
	}
}

func TestAnalyze_CancellationKeepsIdentity(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewHTTPClient(newClientLogger(), srv.URL, "", 5*time.Second, 3)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Analyze(ctx, "cv", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled call must surface context.Canceled, got %v", err)
	}
}
