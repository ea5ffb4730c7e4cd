package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGemini_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-goog-api-key"))
		}

		var req generateContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "the prompt" {
			t.Errorf("unexpected request body: %+v", req)
		}

		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"El horario es "},{"text":"de 8 a 17.\n"}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":6}}`))
	}))
	defer srv.Close()

	g := NewGemini(Config{APIKey: "test-key", BaseURL: srv.URL}, testLogger())
	got, err := g.Generate(context.Background(), "the prompt")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "El horario es de 8 a 17." {
		t.Errorf("unexpected text %q", got)
	}
}

func TestGemini_NoTextFallback(t *testing.T) {
	for name, body := range map[string]string{
		"no candidates": `{"candidates":[]}`,
		"empty parts":   `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			got, err := NewGemini(Config{BaseURL: srv.URL, NoAnswer: "Sin respuesta."}, testLogger()).
				Generate(context.Background(), "p")
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if got != "Sin respuesta." {
				t.Errorf("expected fallback, got %q", got)
			}
		})
	}
}

func TestGemini_Errors(t *testing.T) {
	t.Run("api error propagates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`))
		}))
		defer srv.Close()

		_, err := NewGemini(Config{BaseURL: srv.URL}, testLogger()).Generate(context.Background(), "p")
		if !errors.Is(err, ErrGenerationFailed) {
			t.Fatalf("expected ErrGenerationFailed, got %v", err)
		}
		if !strings.Contains(err.Error(), "API key not valid") {
			t.Errorf("expected api message in error, got %v", err)
		}
	})

	t.Run("no retries by default", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewGemini(Config{BaseURL: srv.URL}, testLogger()).Generate(context.Background(), "p")
		if !errors.Is(err, ErrGenerationFailed) {
			t.Fatalf("expected ErrGenerationFailed, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("expected 1 call, got %d", calls.Load())
		}
	})

	t.Run("retries transient status", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
		}))
		defer srv.Close()

		got, err := NewGemini(Config{BaseURL: srv.URL, MaxRetries: 2}, testLogger()).Generate(context.Background(), "p")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if got != "ok" || calls.Load() != 2 {
			t.Errorf("expected ok after 2 calls, got %q after %d", got, calls.Load())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()

		_, err := NewGemini(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, testLogger()).
			Generate(context.Background(), "p")
		if !errors.Is(err, ErrGenerationFailed) {
			t.Errorf("expected ErrGenerationFailed, got %v", err)
		}
	})
}
