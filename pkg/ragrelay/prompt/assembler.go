// Package prompt builds the generation-model prompt from the user's question
// and the retrieved context.
package prompt

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholders recognized in templates.
const (
	QuestionPlaceholder = "{{question}}"
	ContextPlaceholder  = "{{context}}"
	PersonaPlaceholder  = "{{persona}}"
)

// DefaultPersona is substituted for {{persona}}.
const DefaultPersona = "a technical assistant for the vineyard"

// DefaultTemplate answers in the question's language, cites context only
// when it is relevant, and keeps the answer to a few lines.
const DefaultTemplate = `You are {{persona}}.
User question:
"{{question}}"

Retrieved context (relevant, may contain noise):
{{context}}

Instructions:
- If the context answers the question, use it and cite the idea explicitly (no URLs). Ignore context that is not relevant.
- If information is missing, say what is missing and give the best practical recommendation.
- Answer in the same language as the question, clearly and concisely, in 5-8 lines.`

// Assembler renders prompts. It holds no mutable state and is safe for
// concurrent use.
type Assembler struct {
	template string
	persona  string
}

// New validates tmpl (empty selects DefaultTemplate) and returns an Assembler.
func New(tmpl, persona string) (*Assembler, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	if persona == "" {
		persona = DefaultPersona
	}
	for _, p := range []string{QuestionPlaceholder, ContextPlaceholder} {
		if !strings.Contains(tmpl, p) {
			return nil, fmt.Errorf("prompt template is missing %s", p)
		}
	}
	return &Assembler{template: tmpl, persona: persona}, nil
}

// Build substitutes the question and the rendered context block into the
// template. Identical inputs always produce identical output.
func (a *Assembler) Build(question string, snippets []string) string {
	r := strings.NewReplacer(
		QuestionPlaceholder, question,
		ContextPlaceholder, RenderContext(snippets),
		PersonaPlaceholder, a.persona,
	)
	return r.Replace(a.template)
}

// RenderContext formats snippets as "(1) first\n(2) second".
func RenderContext(snippets []string) string {
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteByte('(')
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(") ")
		sb.WriteString(s)
	}
	return sb.String()
}
