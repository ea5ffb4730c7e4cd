package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
)

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg *channels.IncomingMessage) Result
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	// MaxConcurrent bounds in-flight runs (default: 16).
	MaxConcurrent int

	// SerializePerSender runs messages from one sender in arrival order.
	// When false, runs for the same sender may overlap and replies may
	// arrive out of order.
	SerializePerSender bool

	// ShutdownGrace is how long Run waits for in-flight runs after its
	// context ends (default: 10s).
	ShutdownGrace time.Duration

	// DedupWindow is the number of recent message IDs remembered to skip
	// redeliveries (default: 1024).
	DedupWindow int
}

// Dispatcher spawns one independent run per inbound event.
type Dispatcher struct {
	handler Handler
	cfg     DispatcherConfig
	logger  *slog.Logger

	seen *recentIDs

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewDispatcher creates a Dispatcher for handler.
func NewDispatcher(cfg DispatcherConfig, handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 1024
	}
	return &Dispatcher{
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		seen:    newRecentIDs(cfg.DedupWindow),
		tails:   make(map[string]chan struct{}),
	}
}

// Run consumes in until it is closed or ctx ends, then waits up to
// ShutdownGrace for in-flight runs. Runs are detached from ctx so intake
// can stop without cutting a reply in half.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *channels.IncomingMessage) {
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrent)
	runCtx := context.WithoutCancel(ctx)

	d.logger.Info("dispatcher started",
		"max_concurrent", d.cfg.MaxConcurrent,
		"serialize_per_sender", d.cfg.SerializePerSender,
	)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-in:
			if !ok {
				break loop
			}
			if msg == nil {
				continue
			}
			if msg.ID != "" && !d.seen.Add(msg.Channel+":"+msg.ID) {
				d.logger.Debug("duplicate message skipped", "message_id", msg.ID)
				continue
			}

			prev, done := d.chain(msg.From)
			g.Go(func() error {
				defer d.release(msg.From, done)
				if prev != nil {
					<-prev
				}
				d.handler.Handle(runCtx, msg)
				return nil
			})
		}
	}

	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.logger.Info("dispatcher stopped")
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("dispatcher stopped with runs still in flight", "grace", d.cfg.ShutdownGrace)
	}
}

// chain returns the completion channel of the sender's previous run (nil
// when none or when serialization is off) and registers a new one.
func (d *Dispatcher) chain(sender string) (prev, done chan struct{}) {
	if !d.cfg.SerializePerSender {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	prev = d.tails[sender]
	done = make(chan struct{})
	d.tails[sender] = done
	return prev, done
}

func (d *Dispatcher) release(sender string, done chan struct{}) {
	if done == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	close(done)
	if d.tails[sender] == done {
		delete(d.tails, sender)
	}
}

// recentIDs is a fixed-size set of the most recently seen keys.
type recentIDs struct {
	mu   sync.Mutex
	keys map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		keys: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Add records key and reports whether it was new.
func (r *recentIDs) Add(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.keys, old)
	}
	r.ring[r.next] = key
	r.keys[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
