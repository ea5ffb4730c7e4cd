package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/interactionlog"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/prompt"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/retrieval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRetriever struct {
	snippets []retrieval.Snippet
	err      error
	calls    int
	mu       sync.Mutex
}

func (f *fakeRetriever) Retrieve(ctx context.Context, text string) ([]retrieval.Snippet, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return []retrieval.Snippet{}, f.err
	}
	return f.snippets, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
	panic   bool
}

func (f *fakeGenerator) Generate(ctx context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	if f.panic {
		panic("model client exploded")
	}
	return f.reply, f.err
}

type sentReply struct {
	msg  *channels.IncomingMessage
	text string
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []sentReply
	err     error
}

func (f *fakeReplier) Reply(ctx context.Context, msg *channels.IncomingMessage, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{msg, text})
	return f.err
}

func (f *fakeReplier) Sent() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.replies...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []interactionlog.Entry
	err     error
	delay   time.Duration
}

func (f *fakeRecorder) Append(ctx context.Context, e interactionlog.Entry) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeRecorder) Entries() []interactionlog.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interactionlog.Entry(nil), f.entries...)
}

type fixture struct {
	retriever *fakeRetriever
	generator *fakeGenerator
	replier   *fakeReplier
	recorder  *fakeRecorder
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	assembler, err := prompt.New("", "")
	if err != nil {
		t.Fatalf("prompt.New failed: %v", err)
	}
	f := &fixture{
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{},
		replier:   &fakeReplier{},
		recorder:  &fakeRecorder{},
	}
	f.pipeline = New(Config{}, Deps{
		Retriever: f.retriever,
		Prompt:    assembler,
		Generator: f.generator,
		Replier:   f.replier,
		Log:       f.recorder,
	}, testLogger())
	return f
}

func message(id, from, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        id,
		Channel:   "whatsapp",
		From:      from,
		ChatID:    from,
		Type:      channels.MessageText,
		Content:   text,
		Timestamp: time.Now(),
	}
}

func TestPipeline_AnswersWithContext(t *testing.T) {
	f := newFixture(t)
	f.retriever.snippets = []retrieval.Snippet{{Text: "(1) Horario: 8 a 17"}}
	f.generator.reply = "El horario es de 8 a 17."

	msg := message("m1", "5491100000001@s.whatsapp.net", "  ¿Cuál es el horario?  ")
	res := f.pipeline.Handle(context.Background(), msg)
	f.pipeline.Close()

	if res.Outcome != OutcomeReplied || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}

	sent := f.replier.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(sent))
	}
	if sent[0].text != "El horario es de 8 a 17." || sent[0].msg != msg {
		t.Errorf("unexpected reply %+v", sent[0])
	}

	if !strings.Contains(f.generator.prompts[0], "(1) (1) Horario: 8 a 17") {
		t.Errorf("expected context in prompt:\n%s", f.generator.prompts[0])
	}

	entries := f.recorder.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Sender != msg.From || e.Inbound != "¿Cuál es el horario?" || e.Reply != "El horario es de 8 a 17." {
		t.Errorf("unexpected log entry %+v", e)
	}
}

func TestPipeline_DropsEmptyInput(t *testing.T) {
	for _, text := range []string{"", " ", "\n\t  "} {
		t.Run(fmt.Sprintf("%q", text), func(t *testing.T) {
			f := newFixture(t)
			f.generator.reply = "should not be sent"

			res := f.pipeline.Handle(context.Background(), message("m", "a", text))
			f.pipeline.Close()

			if res.Outcome != OutcomeDropped {
				t.Errorf("expected dropped, got %s", res.Outcome)
			}
			if len(f.replier.Sent()) != 0 || len(f.recorder.Entries()) != 0 || f.retriever.calls != 0 {
				t.Error("expected no reply, no log entry and no retrieval for empty input")
			}
		})
	}
}

func TestPipeline_RetrievalFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = fmt.Errorf("%w: context deadline exceeded", retrieval.ErrRetrievalFailed)
	f.generator.reply = "Respuesta sin contexto."

	res := f.pipeline.Handle(context.Background(), message("m1", "a", "hola"))
	f.pipeline.Close()

	if res.Outcome != OutcomeReplied {
		t.Fatalf("expected replied, got %s", res.Outcome)
	}
	if len(f.generator.prompts) != 1 {
		t.Fatal("expected generation to be called")
	}
	if strings.Contains(f.generator.prompts[0], "(1) ") {
		t.Errorf("expected empty context block:\n%s", f.generator.prompts[0])
	}
	if sent := f.replier.Sent(); len(sent) != 1 || sent[0].text != "Respuesta sin contexto." {
		t.Errorf("unexpected replies %+v", sent)
	}
}

func TestPipeline_GenerationFailureSendsErrorReply(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("503 service unavailable")

	res := f.pipeline.Handle(context.Background(), message("m1", "a", "hola"))
	f.pipeline.Close()

	if res.Outcome != OutcomeFallback || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := f.replier.Sent()
	if len(sent) != 1 || sent[0].text != DefaultErrorReply {
		t.Fatalf("expected the fixed error reply, got %+v", sent)
	}
	if len(f.recorder.Entries()) != 0 {
		t.Error("expected no log entry when generation fails")
	}

	// The next message is unaffected.
	f.generator.mu.Lock()
	f.generator.err = nil
	f.generator.reply = "ok"
	f.generator.mu.Unlock()

	res = f.pipeline.Handle(context.Background(), message("m2", "a", "otra"))
	if res.Outcome != OutcomeReplied || res.Reply != "ok" {
		t.Errorf("expected next message answered, got %+v", res)
	}
}

func TestPipeline_PanicIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.generator.panic = true

	res := f.pipeline.Handle(context.Background(), message("m1", "a", "hola"))
	if res.Outcome != OutcomeFallback {
		t.Fatalf("expected fallback, got %s", res.Outcome)
	}
	if sent := f.replier.Sent(); len(sent) != 1 || sent[0].text != DefaultErrorReply {
		t.Errorf("expected error reply after panic, got %+v", sent)
	}
}

func TestPipeline_LogFailureDoesNotAffectReply(t *testing.T) {
	f := newFixture(t)
	f.generator.reply = "ok"
	f.recorder.err = errors.New("database is locked")
	f.recorder.delay = 100 * time.Millisecond

	start := time.Now()
	res := f.pipeline.Handle(context.Background(), message("m1", "a", "hola"))
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("reply waited for the log write (%v)", elapsed)
	}
	f.pipeline.Close()

	if res.Outcome != OutcomeReplied || res.Err != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if len(f.replier.Sent()) != 1 {
		t.Error("expected reply despite log failure")
	}
}

func TestPipeline_ReplyErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.generator.reply = "ok"
	f.replier.err = errors.New("not connected")

	res := f.pipeline.Handle(context.Background(), message("m1", "a", "hola"))
	if res.Err == nil {
		t.Error("expected dispatch error in result")
	}
	if len(f.replier.Sent()) != 1 {
		t.Errorf("expected a single dispatch attempt, got %d", len(f.replier.Sent()))
	}
}

func TestPipeline_NoLogWritesAfterClose(t *testing.T) {
	f := newFixture(t)
	f.generator.reply = "ok"

	f.pipeline.Handle(context.Background(), message("m1", "a", "hola"))
	f.pipeline.Close()
	if n := len(f.recorder.Entries()); n != 1 {
		t.Fatalf("expected 1 entry before close, got %d", n)
	}

	// A run that outlives shutdown still replies but is not logged.
	res := f.pipeline.Handle(context.Background(), message("m2", "a", "otra"))
	f.pipeline.Close()

	if res.Outcome != OutcomeReplied {
		t.Errorf("unexpected result %+v", res)
	}
	if len(f.replier.Sent()) != 2 {
		t.Error("expected reply after close")
	}
	if n := len(f.recorder.Entries()); n != 1 {
		t.Errorf("expected no entries after close, got %d", n)
	}
}
