package prompt

import (
	"fmt"
	"strings"
	"testing"
)

func TestRenderContext(t *testing.T) {
	tests := []struct {
		name     string
		snippets []string
		want     string
	}{
		{"empty", nil, ""},
		{"single", []string{"Horario: 8 a 17"}, "(1) Horario: 8 a 17"},
		{"ordered", []string{"b", "a", `{"k":1}`}, "(1) b\n(2) a\n(3) {\"k\":1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderContext(tt.snippets); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAssembler_Build(t *testing.T) {
	a, err := New("", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	question := "¿Cuál es el horario?"
	snippets := []string{"(1) Horario: 8 a 17"}
	got := a.Build(question, snippets)

	if !strings.Contains(got, `"¿Cuál es el horario?"`) {
		t.Error("expected question in prompt")
	}
	if !strings.Contains(got, "(1) (1) Horario: 8 a 17") {
		t.Errorf("expected rendered snippet in prompt:\n%s", got)
	}
	if !strings.Contains(got, "same language as the question") {
		t.Error("expected language instruction in prompt")
	}
	if strings.Contains(got, "{{") {
		t.Errorf("unsubstituted placeholder in prompt:\n%s", got)
	}

	if again := a.Build(question, snippets); again != got {
		t.Error("expected identical prompts for identical input")
	}
}

func TestAssembler_EmbedsEverySnippet(t *testing.T) {
	a, _ := New("", "")

	for n := 0; n <= 12; n++ {
		snippets := make([]string, n)
		for i := range snippets {
			snippets[i] = fmt.Sprintf("snippet-%d", i)
		}

		got := a.Build("q", snippets)
		for i := range snippets {
			want := fmt.Sprintf("(%d) snippet-%d", i+1, i)
			if !strings.Contains(got, want) {
				t.Errorf("n=%d: missing %q", n, want)
			}
		}
		if strings.Contains(got, fmt.Sprintf("(%d) ", n+1)) {
			t.Errorf("n=%d: unexpected extra index", n)
		}
	}
}

func TestNew_CustomTemplate(t *testing.T) {
	if _, err := New("Pregunta: {{question}}", ""); err == nil {
		t.Error("expected error when context placeholder is missing")
	}

	a, err := New("Eres {{persona}}. {{question}} | {{context}}", "asistente del viñedo")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got := a.Build("hola", []string{"x"})
	if got != "Eres asistente del viñedo. hola | (1) x" {
		t.Errorf("unexpected prompt %q", got)
	}
}
