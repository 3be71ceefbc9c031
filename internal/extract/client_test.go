package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func inferenceServer(t *testing.T, resp wireResponse, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestExtractAccepted(t *testing.T) {
	srv := inferenceServer(t, wireResponse{
		Success:            true,
		RegisterNumber:     "212222240047",
		RegisterConfidence: 0.93,
		SubjectCode:        "19AI405",
		SubjectConfidence:  0.88,
		SuggestedFilename:  "212222240047_19AI405_CIA1.pdf",
	}, http.StatusOK)
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Extract(context.Background(), []byte("%PDF-"), "scan_0001.pdf", "CIA1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !res.Accepted() {
		t.Fatalf("expected accepted result, got %+v", res)
	}
	if res.RegisterNo != "212222240047" || res.SubjectCode != "19AI405" {
		t.Fatalf("wrong fields: %+v", res)
	}
}

func TestExtractLowConfidence(t *testing.T) {
	srv := inferenceServer(t, wireResponse{
		Success:            true,
		RegisterNumber:     "212222240047",
		RegisterConfidence: 0.50,
		SubjectCode:        "19AI405",
		SubjectConfidence:  0.90,
	}, http.StatusOK)
	defer srv.Close()

	res, err := New(srv.URL).Extract(context.Background(), []byte("%PDF-"), "scan_0001.pdf", "CIA1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !res.LowConfidence || res.Accepted() {
		t.Fatalf("expected low-confidence result, got %+v", res)
	}
}

func TestExtractServerErrorDegradesToFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := New(srv.URL).Extract(context.Background(), []byte("%PDF-"), "212222240047_19AI405.pdf", "CIA1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res == nil || !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", res)
	}
	if res.RegisterNo != "212222240047" || res.SubjectCode != "19AI405" {
		t.Fatalf("fallback did not parse filename: %+v", res)
	}
}

func TestExtractServerErrorWithOpaqueFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := New(srv.URL).Extract(context.Background(), []byte("%PDF-"), "scan_0001.pdf", "CIA1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for unparseable filename, got %+v", res)
	}
}

func TestExtractInvalidRegisterFromServiceDegrades(t *testing.T) {
	srv := inferenceServer(t, wireResponse{
		Success:            true,
		RegisterNumber:     "not-a-register",
		RegisterConfidence: 0.99,
		SubjectCode:        "19AI405",
		SubjectConfidence:  0.99,
	}, http.StatusOK)
	defer srv.Close()

	res, err := New(srv.URL).Extract(context.Background(), []byte("%PDF-"), "212222240047_19AI405.pdf", "CIA1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res == nil || !res.Degraded {
		t.Fatalf("expected degraded fallback, got %+v", res)
	}
}

func TestDisabledClientFallsBack(t *testing.T) {
	var c *Client // HF_SPACE_URL unset
	if c.Enabled() {
		t.Fatal("nil client must report disabled")
	}
	res, err := c.Extract(context.Background(), nil, "212222240047_19AI405.pdf", "CIA1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res == nil || !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", res)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if !New(srv.URL).Health(context.Background()) {
		t.Fatal("expected healthy")
	}
	srv.Close()
	if New(srv.URL).Health(context.Background()) {
		t.Fatal("expected unhealthy after close")
	}
}
