package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
)

type recordingHandler struct {
	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    func(msg *channels.IncomingMessage) time.Duration
}

func (h *recordingHandler) Handle(ctx context.Context, msg *channels.IncomingMessage) Result {
	n := h.inFlight.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if h.delay != nil {
		time.Sleep(h.delay(msg))
	}
	h.inFlight.Add(-1)

	h.mu.Lock()
	h.order = append(h.order, msg.ID)
	h.mu.Unlock()
	return Result{Outcome: OutcomeReplied}
}

func (h *recordingHandler) Order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func feed(msgs ...*channels.IncomingMessage) <-chan *channels.IncomingMessage {
	in := make(chan *channels.IncomingMessage, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	return in
}

func TestDispatcher_SkipsDuplicates(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(DispatcherConfig{}, h, testLogger())

	d.Run(context.Background(), feed(
		message("m1", "a", "x"),
		message("m1", "a", "x"),
		message("m2", "a", "y"),
		nil,
	))

	if got := h.Order(); len(got) != 2 {
		t.Errorf("expected 2 handled messages, got %v", got)
	}
}

func TestDispatcher_ConcurrencyLimit(t *testing.T) {
	h := &recordingHandler{delay: func(*channels.IncomingMessage) time.Duration { return 20 * time.Millisecond }}
	d := NewDispatcher(DispatcherConfig{MaxConcurrent: 3}, h, testLogger())

	var msgs []*channels.IncomingMessage
	for i := 0; i < 12; i++ {
		msgs = append(msgs, message(string(rune('a'+i)), string(rune('a'+i)), "x"))
	}
	d.Run(context.Background(), feed(msgs...))

	if len(h.Order()) != 12 {
		t.Fatalf("expected 12 handled messages, got %d", len(h.Order()))
	}
	if peak := h.peak.Load(); peak > 3 {
		t.Errorf("expected at most 3 concurrent runs, saw %d", peak)
	}
}

func TestDispatcher_SerializePerSender(t *testing.T) {
	// The first message is the slowest; serialized runs must still finish
	// in arrival order.
	delays := map[string]time.Duration{"m1": 60 * time.Millisecond, "m2": 30 * time.Millisecond, "m3": 0}
	h := &recordingHandler{delay: func(m *channels.IncomingMessage) time.Duration { return delays[m.ID] }}
	d := NewDispatcher(DispatcherConfig{SerializePerSender: true}, h, testLogger())

	d.Run(context.Background(), feed(
		message("m1", "same", "uno"),
		message("m2", "same", "dos"),
		message("m3", "same", "tres"),
	))

	got := h.Order()
	want := []string{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(d.tails) != 0 {
		t.Errorf("expected sender chains released, %d left", len(d.tails))
	}
}

func TestDispatcher_StopsOnContextCancel(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(DispatcherConfig{ShutdownGrace: time.Second}, h, testLogger())

	in := make(chan *channels.IncomingMessage)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx, in)
		close(done)
	}()

	in <- message("m1", "a", "x")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
	if len(h.Order()) != 1 {
		t.Errorf("expected in-flight run to complete, got %v", h.Order())
	}
}

func TestRecentIDs(t *testing.T) {
	r := newRecentIDs(2)
	if !r.Add("a") || !r.Add("b") {
		t.Fatal("expected new keys")
	}
	if r.Add("a") {
		t.Error("expected duplicate a")
	}
	r.Add("c") // evicts a
	if !r.Add("a") {
		t.Error("expected a to be forgotten after eviction")
	}
}
