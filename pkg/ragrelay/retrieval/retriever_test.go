package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRetriever_Retrieve(t *testing.T) {
	var gotQuery, gotK string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("q")
		gotK = r.URL.Query().Get("k")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"resultados":["Horario: 8 a 17", {"texto": "Poda en invierno", "fuente": 3}, null],"distancias":[0.1,0.2]}`))
	}))
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL + "/"}, testLogger())
	snippets, err := r.Retrieve(context.Background(), "¿Cuál es el horario?")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	if gotQuery != "¿Cuál es el horario?" {
		t.Errorf("expected decoded query to round-trip, got %q", gotQuery)
	}
	if gotK != "5" {
		t.Errorf("expected default k=5, got %q", gotK)
	}

	if len(snippets) != 2 {
		t.Fatalf("expected 2 snippets (null skipped), got %d: %+v", len(snippets), snippets)
	}
	if snippets[0].Text != "Horario: 8 a 17" || snippets[0].Record {
		t.Errorf("unexpected first snippet: %+v", snippets[0])
	}
	if snippets[1].Text != `{"texto":"Poda en invierno","fuente":3}` || !snippets[1].Record {
		t.Errorf("unexpected record snippet: %+v", snippets[1])
	}
}

func TestRetriever_Failures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "index not loaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		snippets, err := New(Config{BaseURL: srv.URL}, testLogger()).Retrieve(context.Background(), "hola")
		if !errors.Is(err, ErrRetrievalFailed) {
			t.Errorf("expected ErrRetrievalFailed, got %v", err)
		}
		if snippets == nil || len(snippets) != 0 {
			t.Errorf("expected empty non-nil list, got %v", snippets)
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

		r := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, testLogger())
		snippets, err := r.Retrieve(context.Background(), "hola")
		if !errors.Is(err, ErrRetrievalFailed) {
			t.Errorf("expected ErrRetrievalFailed, got %v", err)
		}
		if len(snippets) != 0 {
			t.Errorf("expected no snippets, got %v", snippets)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := New(Config{BaseURL: url}, testLogger()).Retrieve(context.Background(), "hola")
		if !errors.Is(err, ErrRetrievalFailed) {
			t.Errorf("expected ErrRetrievalFailed, got %v", err)
		}
	})
}

func TestParseSnippets(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
		want  []string
	}{
		{"missing field", `{"ok":true}`, "resultados", nil},
		{"not a list", `{"resultados":"texto"}`, "resultados", nil},
		{"invalid json", `<html>`, "resultados", nil},
		{"custom field", `{"data":{"hits":["a","b"]}}`, "data.hits", []string{"a", "b"}},
		{"numbers kept", `{"resultados":[1.5, true]}`, "resultados", []string{"1.5", "true"}},
		{"order preserved", `{"resultados":["c","a","b"]}`, "resultados", []string{"c", "a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSnippets([]byte(tt.body), tt.field)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d snippets, got %d: %+v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("snippet %d: expected %q, got %q", i, tt.want[i], got[i].Text)
				}
			}
		})
	}
}
