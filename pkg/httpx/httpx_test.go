package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestWriteJSONAndError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"n":1`) {
		t.Fatalf("body=%q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	Error(rec, http.StatusForbidden, "nope")
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), `"error":"nope"`) {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	var v struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(req, &v, 0); err != nil || v.Name != "x" {
		t.Fatalf("err=%v v=%+v", err, v)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{bad"))
	if err := DecodeJSON(req, &v, 0); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFetchJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"run_id": "r1"})
	}))
	defer ts.Close()

	var v struct {
		RunID string `json:"run_id"`
	}
	if err := FetchJSON(context.Background(), ts.Client(), ts.URL, &v, 3); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v.RunID != "r1" || calls.Load() != 3 {
		t.Fatalf("v=%+v calls=%d", v, calls.Load())
	}
}

func TestFetchJSONFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	var v map[string]string
	if err := FetchJSON(context.Background(), ts.Client(), ts.URL, &v, 3); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("missing no-store")
	}
}

func TestCORSAllowlist(t *testing.T) {
	mw := CORSMiddleware("https://ops.example.com")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatalf("allowed origin not reflected: %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("preflight from unknown origin should 403, got %d", rec.Code)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	mw := CORSMiddleware("*")
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("preflight should return 204 without hitting handler: code=%d called=%v", rec.Code, called)
	}
}
