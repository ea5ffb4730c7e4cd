// Package pipeline turns one inbound message into exactly one outward
// action: a generated reply, a fixed error reply, or a silent drop for
// empty input.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/interactionlog"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/retrieval"
)

// DefaultErrorReply is sent when generation fails.
const DefaultErrorReply = "⚠️ An error occurred while processing your query."

// Retriever fetches context snippets for the user's text.
type Retriever interface {
	Retrieve(ctx context.Context, text string) ([]retrieval.Snippet, error)
}

// PromptBuilder renders the generation prompt.
type PromptBuilder interface {
	Build(question string, snippets []string) string
}

// Generator produces reply text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Recorder persists answered interactions.
type Recorder interface {
	Append(ctx context.Context, e interactionlog.Entry) error
}

// Outcome is the single outward action taken for a message.
type Outcome string

const (
	OutcomeDropped  Outcome = "dropped"
	OutcomeReplied  Outcome = "replied"
	OutcomeFallback Outcome = "fallback"
)

// Result describes one pipeline run.
type Result struct {
	Outcome Outcome
	Reply   string

	// Err is the generation or dispatch error, if any. It never changes
	// the outcome.
	Err error
}

// Config tunes the pipeline.
type Config struct {
	// ErrorReply is sent when generation fails.
	ErrorReply string

	// LogTimeout bounds one interaction log write (default: 5s).
	LogTimeout time.Duration

	// ReplyTimeout bounds reply dispatch (default: 30s).
	ReplyTimeout time.Duration
}

// Deps are the collaborators of a pipeline run. Log may be nil.
type Deps struct {
	Retriever Retriever
	Prompt    PromptBuilder
	Generator Generator
	Replier   channels.Replier
	Log       Recorder
}

// Pipeline is stateless between runs and safe for concurrent Handle calls.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	// pending tracks detached log writes; once closed is set no new
	// writes are started.
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// New creates a Pipeline.
func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ErrorReply == "" {
		cfg.ErrorReply = DefaultErrorReply
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = 5 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
	}
}

// Handle runs retrieval, prompt assembly, generation, logging and reply
// dispatch for msg. It never panics and never returns without taking
// exactly one outward action.
func (p *Pipeline) Handle(ctx context.Context, msg *channels.IncomingMessage) Result {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return Result{Outcome: OutcomeDropped}
	}

	logger := p.logger.With(
		"run_id", uuid.NewString(),
		"sender", msg.From,
		"message_id", msg.ID,
	)
	start := time.Now()

	res := Result{Outcome: OutcomeReplied}
	reply, err := p.compose(ctx, text, logger)
	if err != nil {
		logger.Error("generation failed, sending error reply", "error", err)
		res.Outcome = OutcomeFallback
		res.Err = err
		reply = p.cfg.ErrorReply
	} else {
		p.record(ctx, msg, text, reply, logger)
	}
	res.Reply = reply

	if err := p.dispatch(ctx, msg, reply); err != nil {
		logger.Error("reply dispatch failed", "error", err)
		if res.Err == nil {
			res.Err = err
		}
	}

	logger.Info("message handled",
		"outcome", res.Outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// Close stops scheduling log writes and blocks until the detached ones
// have finished. Messages handled afterwards are still answered but not
// logged.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.pending.Wait()
}

// compose produces the reply text. Retrieval failures degrade to an empty
// context; generation failures and panics are returned as errors.
func (p *Pipeline) compose(ctx context.Context, text string, logger *slog.Logger) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	snippets, rerr := p.deps.Retriever.Retrieve(ctx, text)
	if rerr != nil {
		logger.Warn("context retrieval failed, continuing without context", "error", rerr)
		snippets = nil
	}

	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = s.Text
	}

	prompt := p.deps.Prompt.Build(text, texts)
	logger.Debug("prompt assembled", "snippets", len(texts), "prompt_chars", len(prompt))

	return p.deps.Generator.Generate(ctx, prompt)
}

// record writes the log entry in the background so a slow or failing
// store never delays the reply.
func (p *Pipeline) record(ctx context.Context, msg *channels.IncomingMessage, text, reply string, logger *slog.Logger) {
	if p.deps.Log == nil {
		return
	}

	entry := interactionlog.Entry{
		Sender:    msg.From,
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Inbound:   text,
		Reply:     reply,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		logger.Debug("pipeline closed, interaction not logged")
		return
	}
	p.pending.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("interaction log panicked", "panic", r)
			}
		}()

		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LogTimeout)
		defer cancel()
		if err := p.deps.Log.Append(logCtx, entry); err != nil {
			logger.Warn("interaction log write failed", "error", err)
		}
	}()
}

func (p *Pipeline) dispatch(ctx context.Context, msg *channels.IncomingMessage, reply string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reply panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReplyTimeout)
	defer cancel()
	return p.deps.Replier.Reply(ctx, msg, reply)
}
