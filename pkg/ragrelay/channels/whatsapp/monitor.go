package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig controls detection of half-open connections: a socket
// that still looks connected but has carried no traffic for a long time.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between checks.
	Interval time.Duration `yaml:"interval"`

	// MaxSilentDuration is how long a connection may stay quiet before a
	// warning is logged.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence
	// (0 = never).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		Interval:            5 * time.Minute,
		MaxSilentDuration:   30 * time.Minute,
		ForceReconnectAfter: 2 * time.Hour,
	}
}

// touch records traffic on the connection.
func (c *Client) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Client) lastSeen() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) startHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled || cfg.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.checkHealth(cfg)
			}
		}
	}()
}

// checkHealth inspects a connected client's silence and reports whether it
// started a reconnect.
func (c *Client) checkHealth(cfg HealthMonitorConfig) bool {
	if !c.IsConnected() {
		return false
	}
	last := c.lastSeen()
	if last.IsZero() {
		return false
	}

	silent := time.Since(last)
	switch {
	case cfg.ForceReconnectAfter > 0 && silent >= cfg.ForceReconnectAfter:
		c.logger.Warn("connection silent too long, reconnecting", "silent", silent.Round(time.Second))
		c.transition(StateReconnecting, ReasonStale, map[string]any{"silent": silent.String()})
		go c.reconnect(ReasonStale)
		return true
	case cfg.MaxSilentDuration > 0 && silent >= cfg.MaxSilentDuration:
		c.logger.Warn("no traffic on connection", "silent", silent.Round(time.Second))
	}
	return false
}

// reconnect drops the socket and connects again with linear backoff, up to
// MaxReconnectAttempts. Only one reconnect runs at a time.
func (c *Client) reconnect(reason string) {
	if c.wm == nil || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	c.setState(StateReconnecting)
	c.wm.Disconnect()

	for c.ctx.Err() == nil {
		n := int(c.reconnects.Add(1))
		if limit := c.cfg.MaxReconnectAttempts; limit > 0 && n > limit {
			c.logger.Error("giving up on reconnect", "attempts", n-1, "cause", reason)
			c.transition(StateDisconnected, ReasonMaxReconnect, map[string]any{"attempts": n - 1})
			return
		}

		wait := time.Duration(n) * c.cfg.ReconnectBackoff
		c.logger.Info("reconnecting", "attempt", n, "in", wait, "cause", reason)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := c.wm.Connect(); err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", n, "error", err)
			continue
		}
		// The Connected event completes the transition.
		return
	}
}
