package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPaddleClient_Recognize(t *testing.T) {
	var gotReq paddleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "000",
			"results": [][]map[string]any{{
				{"text": "第一行", "confidence": 0.95},
				{"text": "第二行", "confidence": 0.85},
			}},
		})
	}))
	defer srv.Close()

	p := NewPaddleClient(srv.URL, true, testLogger())
	res, err := p.Recognize(context.Background(), []byte{1, 2, 3}, "zh")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "第一行第二行" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence < 0.89 || res.Confidence > 0.91 {
		t.Errorf("confidence = %v, want mean 0.9", res.Confidence)
	}
	if len(gotReq.Images) != 1 || gotReq.Images[0] == "" {
		t.Error("image not sent as base64")
	}
	if !gotReq.UseGPU {
		t.Error("gpu flag not forwarded")
	}
}

func TestPaddleClient_EngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "-1", "msg": "model not loaded"})
	}))
	defer srv.Close()

	p := NewPaddleClient(srv.URL, false, testLogger())
	if _, err := p.Recognize(context.Background(), []byte{1}, "zh"); err == nil {
		t.Error("expected engine error")
	}
}

func TestPaddleClient_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "000", "results": [][]map[string]any{}})
	}))
	defer srv.Close()

	p := NewPaddleClient(srv.URL, false, testLogger())
	res, err := p.Recognize(context.Background(), []byte{1}, "zh")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" || res.Confidence != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestTesseractClient_Recognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if !strings.Contains(r.FormValue("options"), "eng") {
			t.Errorf("language option missing: %q", r.FormValue("options"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"stdout": "recognized text\n", "exit_code": 0},
		})
	}))
	defer srv.Close()

	c := NewTesseractClient(srv.URL, testLogger())
	res, err := c.Recognize(context.Background(), []byte{1, 2}, "en")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "recognized text" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want flat 0.8", res.Confidence)
	}
}

func TestTesseractClient_NonZeroExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"stderr": "no such language", "exit_code": 1},
		})
	}))
	defer srv.Close()

	c := NewTesseractClient(srv.URL, testLogger())
	if _, err := c.Recognize(context.Background(), []byte{1}, "xx"); err == nil {
		t.Error("expected error for non-zero exit")
	}
}

func TestTesseractLang(t *testing.T) {
	tests := map[string]string{
		"zh": "chi_sim",
		"ch": "chi_sim",
		"en": "eng",
		"ja": "ja",
	}
	for in, want := range tests {
		if got := tesseractLang(in); got != want {
			t.Errorf("tesseractLang(%q) = %q, want %q", in, got, want)
		}
	}
}
