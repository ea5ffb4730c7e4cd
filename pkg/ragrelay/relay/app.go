package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/backup"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels/whatsapp"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/database"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/gateway"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/interactionlog"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/llm"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/pipeline"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/prompt"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/retrieval"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/session"
)

// Storage bundles the database hub and the session store built from config.
type Storage struct {
	Hub      *database.Hub
	Sessions *session.BlobStore
	Log      *interactionlog.Log
}

// OpenStorage opens the database (migrating it) and builds the
// configured session store backend.
func OpenStorage(ctx context.Context, cfg *Config, logger *slog.Logger) (*Storage, error) {
	hub, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var backend session.Backend
	switch cfg.Session.Store.Backend {
	case StoreBolt:
		backend, err = session.OpenBoltBackend(cfg.Session.Store.BoltPath)
		if err != nil {
			hub.Close()
			return nil, fmt.Errorf("opening bolt session store: %w", err)
		}
	case StoreMemory:
		backend = session.NewMemoryBackend()
	default:
		backend = session.NewSQLBackend(hub.Primary())
	}

	return &Storage{
		Hub:      hub,
		Sessions: session.NewStore(backend, session.Options{Timeout: cfg.Session.Timeout}, logger),
		Log:      interactionlog.New(hub.Primary()),
	}, nil
}

// Close releases the session store and the hub.
func (s *Storage) Close() error {
	return errors.Join(s.Sessions.Close(), s.Hub.Close())
}

// NewPipeline builds the message pipeline around replier. rec may be nil
// to disable interaction logging.
func NewPipeline(cfg *Config, replier channels.Replier, rec pipeline.Recorder, logger *slog.Logger) (*pipeline.Pipeline, error) {
	assembler, err := prompt.New(cfg.Prompt.Template, cfg.Prompt.Persona)
	if err != nil {
		return nil, err
	}
	deps := pipeline.Deps{
		Retriever: retrieval.New(cfg.retrievalConfig(), logger),
		Prompt:    assembler,
		Generator: llm.NewGemini(cfg.generationConfig(), logger),
		Replier:   replier,
	}
	if rec != nil {
		deps.Log = rec
	}
	return pipeline.New(cfg.pipelineConfig(), deps, logger), nil
}

// App runs the relay: messaging client, backup scheduler, pipeline and
// status gateway. It is the only owner of the session lifecycle.
type App struct {
	cfg    *Config
	logger *slog.Logger

	storage    *Storage
	client     *whatsapp.Client
	scheduler  *backup.Scheduler
	pipeline   *pipeline.Pipeline
	dispatcher *pipeline.Dispatcher
	gateway    *gateway.Gateway
}

// New validates cfg and builds every component. Nothing connects until Run.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storage, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger.With("component", "relay"),
		storage: storage,
		client:  whatsapp.New(cfg.WhatsApp, logger),
	}

	var rec pipeline.Recorder
	if cfg.Pipeline.LogInteractions {
		rec = storage.Log
	}
	a.pipeline, err = NewPipeline(cfg, a.client, rec, logger)
	if err != nil {
		storage.Close()
		return nil, err
	}
	a.dispatcher = pipeline.NewDispatcher(cfg.dispatcherConfig(), a.pipeline, logger)
	a.scheduler = backup.New(cfg.backupConfig(), storage.Sessions, a.client, logger)
	a.gateway = gateway.New(a, cfg.Gateway, logger)

	a.client.AddConnectionObserver(a)
	return a, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down:
// intake stops, in-flight runs get the grace period, and only then is the
// client disconnected.
func (a *App) Run(ctx context.Context) error {
	a.restoreSession(ctx)

	a.scheduler.Start(ctx)

	if err := a.gateway.Start(ctx); err != nil {
		a.scheduler.Stop()
		a.storage.Close()
		return fmt.Errorf("starting gateway: %w", err)
	}

	qrEvents, unsubscribe := a.client.SubscribeQR()
	defer unsubscribe()
	go a.logQR(qrEvents)

	if err := a.client.Connect(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("connecting whatsapp: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatcher.Run(ctx, a.client.Receive())
	}()

	a.logger.Info("relay running", "client_id", a.cfg.Session.ClientID,
		"session_store", a.cfg.Session.Store.Backend,
		"backup_interval", a.cfg.Session.BackupInterval)

	<-ctx.Done()
	a.logger.Info("shutdown signal received, stopping...")
	<-done
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.gateway.Stop(stopCtx); err != nil {
		a.logger.Warn("gateway shutdown", "error", err)
	}
	if err := a.client.Disconnect(); err != nil {
		a.logger.Warn("whatsapp disconnect", "error", err)
	}
	a.pipeline.Close()
	a.scheduler.Stop()
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("closing storage", "error", err)
	}
	a.logger.Info("shutdown complete")
}

// logQR points the operator at the status page while pairing is pending.
// It returns when the subscription is closed.
func (a *App) logQR(events <-chan whatsapp.QREvent) {
	for evt := range events {
		switch evt.Type {
		case whatsapp.QRCode:
			a.logger.Info("WhatsApp pairing required, scan the QR code on the status page",
				"address", a.cfg.Gateway.Address, "expires_in", evt.SecondsLeft)
		case whatsapp.QRSuccess:
			a.logger.Info("WhatsApp paired")
		case whatsapp.QRError, whatsapp.QRTimeout:
			a.logger.Warn("WhatsApp pairing failed", "message", evt.Message)
		default:
			a.logger.Debug("QR event", "type", evt.Type, "message", evt.Message)
		}
	}
}

// restoreSession materializes the stored session as the local device store
// when the local one is missing. Any failure means a fresh QR pairing.
func (a *App) restoreSession(ctx context.Context) {
	path := a.client.LocalDBPath()
	if whatsapp.LocalSessionExists(path) {
		a.logger.Debug("local session present, skipping restore", "path", path)
		return
	}

	id := a.cfg.Session.ClientID
	if !a.storage.Sessions.Exists(ctx, id) {
		a.logger.Info("no stored session, QR pairing required", "client_id", id)
		return
	}
	sess, ok := a.storage.Sessions.Load(ctx, id)
	if !ok {
		a.logger.Warn("stored session unusable, QR pairing required", "client_id", id)
		return
	}

	restored, err := whatsapp.RestoreSession(path, sess.Payload)
	if err != nil {
		a.logger.Warn("restoring session failed, QR pairing required", "error", err)
		return
	}
	if restored {
		a.logger.Info("session restored from store",
			"client_id", id, "captured_at", sess.CapturedAt, "bytes", len(sess.Payload))
	}
}

// OnConnectionChange drives the backup scheduler from client state.
func (a *App) OnConnectionChange(evt whatsapp.ConnectionEvent) {
	switch {
	case evt.State == whatsapp.StateConnected:
		a.scheduler.Authenticated()
	case evt.SessionInvalidated():
		a.scheduler.Idle()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Session.Timeout)
		defer cancel()
		if err := a.storage.Sessions.Remove(ctx, a.cfg.Session.ClientID); err != nil {
			a.logger.Error("removing invalidated session", "error", err)
			return
		}
		a.logger.Info("stored session removed", "reason", evt.Reason)
	default:
		a.scheduler.Idle()
	}
}

// CurrentQR implements gateway.Source.
func (a *App) CurrentQR() (string, bool) { return a.client.CurrentQR() }

// IsConnected implements gateway.Source.
func (a *App) IsConnected() bool { return a.client.IsConnected() }

// Logout implements gateway.Source.
func (a *App) Logout(ctx context.Context) error { return a.client.Logout(ctx) }

// Status implements gateway.Source.
func (a *App) Status(ctx context.Context) any {
	return map[string]any{
		"client_id":     a.cfg.Session.ClientID,
		"session_store": a.cfg.Session.Store.Backend,
		"whatsapp":      a.client.Health(),
		"backup":        a.scheduler.Status(),
		"database":      a.storage.Hub.Status(ctx),
	}
}
