// Package gateway serves the relay's status page: the pairing QR code, a
// liveness probe and an operator status API.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Source is the running relay as seen by the gateway.
type Source interface {
	// CurrentQR returns the pending pairing code, if any.
	CurrentQR() (string, bool)

	// IsConnected reports whether the messaging client is linked and online.
	IsConnected() bool

	// Status returns a JSON-serializable status document.
	Status(ctx context.Context) any

	// Logout unlinks the device and removes the stored session.
	Logout(ctx context.Context) error
}

// Config configures the HTTP gateway.
type Config struct {
	// Address is the listen address (default ":3000").
	Address string `yaml:"address"`

	// AuthToken protects /api/* with a bearer token when set.
	AuthToken string `yaml:"auth_token"`
}

// Gateway is the HTTP status server.
type Gateway struct {
	source    Source
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(source Source, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":3000"
	}
	return &Gateway{
		source: source,
		config: cfg,
		logger: logger.With("component", "gateway"),
	}
}

// Handler returns the full middleware-wrapped handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", g.handleIndex)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("POST /api/logout", g.handleLogout)

	return noStore(g.requireToken(mux))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token on a non-loopback address, /api/ is disabled",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, _ := net.SplitHostPort(address)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
