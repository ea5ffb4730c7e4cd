package commands

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "ragrelay 1.2.3") {
		t.Errorf("output = %q", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     relay.LoggingConfig
		verbose bool
		debug   bool
		json    bool
	}{
		{"defaults", relay.LoggingConfig{}, false, false, false},
		{"debug json", relay.LoggingConfig{Level: "debug", Format: "json"}, false, true, true},
		{"verbose wins", relay.LoggingConfig{Level: "error"}, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewRootCmd("test")
			if tt.verbose {
				if err := root.PersistentFlags().Set("verbose", "true"); err != nil {
					t.Fatal(err)
				}
			}
			var buf bytes.Buffer
			logger := newLogger(root, tt.cfg, &buf)

			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.debug {
				t.Errorf("debug enabled = %v, want %v", got, tt.debug)
			}
			logger.Warn("probe")
			if isJSON := strings.HasPrefix(buf.String(), "{"); isJSON != tt.json {
				t.Errorf("json = %v, want %v (%q)", isJSON, tt.json, buf.String())
			}
		})
	}
}

func TestConsoleReplier(t *testing.T) {
	var out bytes.Buffer
	if err := (consoleReplier{out: &out}).Reply(context.Background(), nil, "hello"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "hello") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSetupAnswersApply(t *testing.T) {
	cfg := relay.DefaultConfig()
	a := setupAnswers{
		retrievalURL: " http://search:8000/ ",
		topK:         "7",
		model:        "gemini-2.0-flash",
		storeBackend: relay.StoreBolt,
		address:      "",
		groups:       true,
	}
	if err := a.apply(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.BaseURL != "http://search:8000" || cfg.Retrieval.TopK != 7 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Generation.Model != "gemini-2.0-flash" || cfg.Session.Store.Backend != relay.StoreBolt {
		t.Errorf("unexpected config %+v %+v", cfg.Generation, cfg.Session)
	}
	if cfg.Gateway.Address != ":3000" {
		t.Errorf("empty address must keep default, got %q", cfg.Gateway.Address)
	}
	if !cfg.WhatsApp.RespondToGroups {
		t.Error("expected groups enabled")
	}

	a.topK = "many"
	if err := a.apply(cfg); err == nil {
		t.Error("expected top k error")
	}
}

func TestValidators(t *testing.T) {
	for _, s := range []string{"http://localhost:8000", "https://search.example.com"} {
		if err := validateURL(s); err != nil {
			t.Errorf("validateURL(%q) = %v", s, err)
		}
	}
	for _, s := range []string{"", "localhost:8000", "ftp://x"} {
		if err := validateURL(s); err == nil {
			t.Errorf("validateURL(%q) accepted", s)
		}
	}
	if validatePositiveInt("3") != nil || validatePositiveInt("0") == nil || validatePositiveInt("x") == nil {
		t.Error("validatePositiveInt mismatch")
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("got %q", got)
	}
	if got := oneLine("abcdefghij", 5); got != "abcd…" {
		t.Errorf("got %q", got)
	}
}
