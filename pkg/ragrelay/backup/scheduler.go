// Package backup periodically copies the messaging client's live session
// into the session store while the client is authenticated.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/session"
)

// MinInterval is the floor applied to any requested backup interval.
const MinInterval = 60 * time.Second

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateAuthenticated State = "authenticated"
	StateTicking       State = "ticking"
)

// Snapshotter exposes the client's current in-memory session.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// Config configures the scheduler.
type Config struct {
	// ClientID keys the stored session.
	ClientID string

	// Interval between backups; clamped to MinInterval.
	Interval time.Duration

	// SaveTimeout bounds one snapshot+save cycle (default: 30s).
	SaveTimeout time.Duration
}

// Status is a point-in-time view for status endpoints.
type Status struct {
	State     State         `json:"state"`
	Interval  time.Duration `json:"interval"`
	LastSave  time.Time     `json:"last_save,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Saves     int           `json:"saves"`
}

// Scheduler drives idle -> authenticated -> ticking -> authenticated and
// back to idle on disconnect. Saves are fire-and-forget.
type Scheduler struct {
	cfg    Config
	store  session.Store
	source Snapshotter
	logger *slog.Logger

	// now is replaced in tests. Times are compared at cron's one-second
	// resolution.
	now func() time.Time

	mu        sync.Mutex
	state     State
	cron      *cron.Cron
	entry     cron.EntryID
	lastSave  time.Time
	lastError string
	saves     int
	inflight  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// ClampInterval applies the backup floor.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// New creates a scheduler in the idle state.
func New(cfg Config, store session.Store, source Snapshotter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backup")

	requested := cfg.Interval
	cfg.Interval = ClampInterval(cfg.Interval)
	if requested != 0 && requested != cfg.Interval {
		logger.Warn("backup interval below floor, clamped", "requested", requested, "effective", cfg.Interval)
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}

	return &Scheduler{
		cfg:    cfg,
		store:  store,
		source: source,
		logger: logger,
		now:    time.Now,
		state:  StateIdle,
	}
}

// Start launches the underlying cron runner. No backups run until
// Authenticated is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.cron.Start()

	s.logger.Info("backup scheduler started", "client_id", s.cfg.ClientID, "interval", s.cfg.Interval)
}

// Stop cancels the timer and waits briefly for an in-flight backup. The
// scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.entry = 0
	s.state = StateIdle
	s.mu.Unlock()

	if c == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.inflight.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		s.logger.Warn("backup scheduler stop timed out")
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("backup scheduler stopped")
}

// Authenticated moves idle -> authenticated, arms the periodic timer and
// starts one backup right away in the background. It returns without
// waiting for the snapshot, so connection observers are never held up.
func (s *Scheduler) Authenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		s.logger.Warn("authenticated before scheduler start, ignoring")
		return
	}
	if s.state != StateIdle {
		return
	}
	s.state = StateAuthenticated

	// The first tick lands one interval after the immediate save.
	ctx := s.ctx
	s.entry = s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.runBackup(ctx)
	}))

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.runBackup(ctx)
	}()

	s.logger.Info("client authenticated, backups armed")
}

// flush waits for the background backup started by Authenticated.
func (s *Scheduler) flush() { s.inflight.Wait() }

// Idle cancels the timer and returns to idle (disconnect or logout).
// An in-flight backup is allowed to finish.
func (s *Scheduler) Idle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return
	}
	if s.cron != nil && s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry = 0
	s.state = StateIdle
	s.logger.Info("client deauthenticated, backups paused")
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of scheduler bookkeeping.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:     s.state,
		Interval:  s.cfg.Interval,
		LastSave:  s.lastSave,
		LastError: s.lastError,
		Saves:     s.saves,
	}
}

// runBackup performs one snapshot+save if authenticated and the floor
// allows it. It reports whether the store was called.
func (s *Scheduler) runBackup(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return false
	}
	now := s.now().Truncate(time.Second)
	if !s.lastSave.IsZero() && now.Sub(s.lastSave) < s.cfg.Interval {
		s.mu.Unlock()
		s.logger.Debug("backup skipped, floor not reached", "since_last", now.Sub(s.lastSave))
		return false
	}
	s.state = StateTicking
	s.lastSave = now
	s.mu.Unlock()

	err := s.save(ctx)

	s.mu.Lock()
	if s.state == StateTicking {
		s.state = StateAuthenticated
	}
	s.saves++
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("session backup failed", "client_id", s.cfg.ClientID, "error", err)
	} else {
		s.logger.Debug("session backup stored", "client_id", s.cfg.ClientID)
	}
	return true
}

func (s *Scheduler) save(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
	defer cancel()

	payload, err := s.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("snapshot: empty session")
	}

	return s.store.Save(ctx, s.cfg.ClientID, &session.Session{
		ClientID:   s.cfg.ClientID,
		Payload:    payload,
		CapturedAt: s.now(),
	})
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
