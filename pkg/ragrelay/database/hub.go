package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Hub owns the one Backend the relay writes through. Sessions and the
// interaction log use independent keyed statements, so no locking is
// needed beyond what database/sql does.
type Hub struct {
	backend *Backend
	logger  *slog.Logger
}

// Open connects to the configured backend and brings its schema up to date.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "database")
	cfg = cfg.withDefaults()

	var (
		backend *Backend
		err     error
	)
	switch cfg.Backend {
	case BackendSQLite:
		backend, err = openSQLite(ctx, cfg.SQLite)
	case BackendPostgreSQL:
		backend, err = openPostgreSQL(ctx, cfg.PostgreSQL)
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, backend); err != nil {
		backend.DB.Close()
		return nil, err
	}

	logger.Info("database ready", "backend", cfg.Backend, "schema_version", SchemaVersion)
	return &Hub{backend: backend, logger: logger}, nil
}

// Primary returns the backend.
func (h *Hub) Primary() *Backend { return h.backend }

// Close closes the connection pool.
func (h *Hub) Close() error {
	h.logger.Debug("closing database")
	return h.backend.DB.Close()
}

// HealthStatus is reported on the status endpoint.
type HealthStatus struct {
	Backend       BackendType   `json:"backend"`
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency"`
	Version       string        `json:"version,omitempty"`
	SchemaVersion int           `json:"schema_version"`
	OpenConns     int           `json:"open_connections"`
	InUse         int           `json:"in_use"`
	Error         string        `json:"error,omitempty"`
}

// Status pings the backend and reports pool statistics.
func (h *Hub) Status(ctx context.Context) HealthStatus {
	b := h.backend
	st := HealthStatus{Backend: b.Type}

	start := time.Now()
	err := b.DB.PingContext(ctx)
	st.Latency = time.Since(start)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	versionQuery := `SELECT sqlite_version()`
	if b.Type == BackendPostgreSQL {
		versionQuery = `SHOW server_version`
	}
	if err := b.DB.QueryRowContext(ctx, versionQuery).Scan(&st.Version); err != nil {
		st.Error = err.Error()
		return st
	}
	if v, err := schemaVersion(ctx, b); err == nil {
		st.SchemaVersion = v
	}

	stats := b.DB.Stats()
	st.OpenConns = stats.OpenConnections
	st.InUse = stats.InUse
	st.Healthy = true
	return st
}
