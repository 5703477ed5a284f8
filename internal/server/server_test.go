package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestLivenessAlwaysOK(t *testing.T) {
	s := &Server{Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	s.serveLiveness(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessFollowsPipeline(t *testing.T) {
	ready := false
	s := &Server{Logger: zerolog.Nop(), Ready: func() bool { return ready }}

	rec := httptest.NewRecorder()
	s.serveReadiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 before first run", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	s.serveReadiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after first run", rec.Code)
	}
}
