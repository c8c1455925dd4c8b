package receiver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/batchscribe/batchscribe/internal/job"
	"github.com/batchscribe/batchscribe/internal/logger"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	return New(cfg, logger.NewDefault("test"))
}

func postResult(t *testing.T, srv *Server, token string, result job.TranscriptResult) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/transcripts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func sampleResult(jobID string) job.TranscriptResult {
	return job.TranscriptResult{
		JobID:     jobID,
		Reference: "https://bucket.s3.amazonaws.com/a.wav?sig=abc",
		Text:      "hello world",
		Status:    job.StatusSuccess,
	}
}

func TestPostTranscript_StoresAndReturnsCreated(t *testing.T) {
	srv := newTestServer(t, Config{})

	rr := postResult(t, srv, "", sampleResult("job-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	stored, ok := srv.store.Get("job-1")
	if !ok {
		t.Fatal("result not stored")
	}
	if stored.Text != "hello world" {
		t.Errorf("unexpected stored text: %q", stored.Text)
	}
}

func TestPostTranscript_DuplicateConflictKeepsFirst(t *testing.T) {
	srv := newTestServer(t, Config{})

	first := sampleResult("job-1")
	if rr := postResult(t, srv, "", first); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	second := sampleResult("job-1")
	second.Text = "different text"
	rr := postResult(t, srv, "", second)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rr.Code)
	}

	stored, _ := srv.store.Get("job-1")
	if stored.Text != "hello world" {
		t.Errorf("duplicate must not overwrite, got %q", stored.Text)
	}
}

func TestPostTranscript_RejectsBadPayloads(t *testing.T) {
	srv := newTestServer(t, Config{})

	tests := []struct {
		name   string
		result job.TranscriptResult
	}{
		{"missing job id", job.TranscriptResult{Status: job.StatusSuccess}},
		{"bad status", job.TranscriptResult{JobID: "x", Status: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := postResult(t, srv, "", tt.result); rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/transcripts", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, Config{Token: "s3cret"})

	if rr := postResult(t, srv, "", sampleResult("job-1")); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rr.Code)
	}
	if rr := postResult(t, srv, "wrong", sampleResult("job-1")); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rr.Code)
	}
	if rr := postResult(t, srv, "s3cret", sampleResult("job-1")); rr.Code != http.StatusCreated {
		t.Errorf("expected 201 with valid token, got %d", rr.Code)
	}

	// Health stays open for probes.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for unauthenticated health, got %d", rr.Code)
	}
}

func TestListTranscripts(t *testing.T) {
	srv := newTestServer(t, Config{})
	for i := 0; i < 3; i++ {
		postResult(t, srv, "", sampleResult(fmt.Sprintf("job-%d", i)))
	}

	req := httptest.NewRequest(http.MethodGet, "/transcripts", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body struct {
		Count   int                    `json:"count"`
		Results []job.TranscriptResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if body.Count != 3 || len(body.Results) != 3 {
		t.Errorf("expected 3 results, got count=%d len=%d", body.Count, len(body.Results))
	}
	if body.Results[0].JobID != "job-0" {
		t.Errorf("expected arrival order, got first=%s", body.Results[0].JobID)
	}
}

func TestGetTranscript(t *testing.T) {
	srv := newTestServer(t, Config{})
	postResult(t, srv, "", sampleResult("job-1"))

	req := httptest.NewRequest(http.MethodGet, "/transcripts/job-1", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/transcripts/nope", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestStore_EvictsOldestAtCapacity(t *testing.T) {
	s := newStore(2)
	s.Put(sampleResult("a"))
	s.Put(sampleResult("b"))
	s.Put(sampleResult("c"))

	if s.Len() != 2 {
		t.Fatalf("expected capacity 2, got %d", s.Len())
	}
	if _, ok := s.Get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("newest entry missing")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Port != defaultPort {
		t.Errorf("expected default port %d, got %d", defaultPort, cfg.Port)
	}
	if cfg.Capacity != defaultCapacity {
		t.Errorf("expected default capacity %d, got %d", defaultCapacity, cfg.Capacity)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}

	bad := Config{Port: 70000}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for out-of-range port")
	}
}
