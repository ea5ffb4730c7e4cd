// Package whatsapp is the relay's messaging client, built on whatsmeow.
//
// The client pairs through QR codes published to subscribers, turns text
// messages from DMs and groups into channels.IncomingMessage, sends quoted
// replies, and reports connection changes to observers so the session
// backup can follow the authentication state. The whatsmeow device store
// is a local SQLite file; snapshot.go copies it out and back in.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"

	_ "github.com/mattn/go-sqlite3" // device store driver
)

// ErrNotPaired is returned by Snapshot when no device is linked yet.
var ErrNotPaired = errors.New("whatsapp: device not paired")

var _ channels.Channel = (*Client)(nil)

// Config configures the client.
type Config struct {
	// LocalDBPath is the whatsmeow device store. It holds the live session
	// that is backed up and restored.
	LocalDBPath string `yaml:"local_db_path"`

	RespondToGroups bool `yaml:"respond_to_groups"`
	RespondToDMs    bool `yaml:"respond_to_dms"`

	// AutoRead sends read receipts for messages handed to the relay.
	AutoRead bool `yaml:"auto_read"`

	// DeviceName appears in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// ReconnectBackoff is the step of the linear reconnect backoff and the
	// pause between QR pairing rounds.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts bounds forced reconnects (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig answers DMs and groups and stores the device under ./data.
func DefaultConfig() Config {
	return Config{
		LocalDBPath:          "./data/whatsapp.db",
		RespondToGroups:      true,
		RespondToDMs:         true,
		AutoRead:             true,
		DeviceName:           "ragrelay",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// Client is a single WhatsApp account linked as a companion device.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// wm is nil until Connect.
	wm *whatsmeow.Client

	mu    sync.Mutex
	state ConnectionState

	inbox       chan *channels.IncomingMessage
	inboxClosed atomic.Bool

	lastActivity atomic.Int64 // unix nanoseconds
	sendErrors   atomic.Int64
	reconnects   atomic.Int32
	reconnecting atomic.Bool
	pairing      atomic.Bool

	qr        qrBroker
	observers observerList

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a client. Nothing touches the network until Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.LocalDBPath == "" {
		cfg.LocalDBPath = def.LocalDBPath
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		state:  StateDisconnected,
		inbox:  make(chan *channels.IncomingMessage, 256),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Name implements channels.Channel.
func (c *Client) Name() string { return "whatsapp" }

// LocalDBPath is the device store this client reads and writes.
func (c *Client) LocalDBPath() string { return c.cfg.LocalDBPath }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether replies can be sent.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// setState changes state without telling observers. It returns the
// previous state.
func (c *Client) setState(s ConnectionState) ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = s
	return prev
}

// transition changes state and tells observers why.
func (c *Client) transition(s ConnectionState, reason string, details map[string]any) {
	prev := c.setState(s)
	c.observers.notify(c.logger, ConnectionEvent{
		State:     s,
		Previous:  prev,
		Timestamp: time.Now(),
		Reason:    reason,
		Details:   details,
	})
}

// AddConnectionObserver registers obs for connection changes.
func (c *Client) AddConnectionObserver(obs ConnectionObserver) { c.observers.add(obs) }

// SubscribeQR streams pairing events. A pending code is replayed at once.
// The returned function unsubscribes and closes the channel.
func (c *Client) SubscribeQR() (<-chan QREvent, func()) { return c.qr.subscribe() }

// CurrentQR returns the code waiting to be scanned, if any.
func (c *Client) CurrentQR() (string, bool) { return c.qr.current() }

func (c *Client) jid() string {
	if c.wm != nil && c.wm.Store.ID != nil {
		return c.wm.Store.ID.String()
	}
	return ""
}

// Connect opens the device store and connects. Without a linked device it
// returns at once and pairs in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setState(StateConnecting)

	if err := ensureDir(c.cfg.LocalDBPath); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: preparing device store: %w", channels.ErrConnectionFailed, err)
	}

	container, err := sqlstore.New(c.ctx, "sqlite3",
		"file:"+c.cfg.LocalDBPath+"?_foreign_keys=1&_journal_mode=WAL",
		newWALogger(c.logger, "store"))
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: opening device store: %w", channels.ErrConnectionFailed, err)
	}

	// FirstDevice returns a fresh, unpaired device when the store is empty.
	device, err := container.GetFirstDevice(c.ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: loading device: %w", channels.ErrConnectionFailed, err)
	}

	store.SetOSInfo(c.cfg.DeviceName, [3]uint32{1, 0, 0})

	c.wm = whatsmeow.NewClient(device, newWALogger(c.logger, "client"))
	c.wm.AddEventHandler(c.handleEvent)
	c.wm.EnableAutoReconnect = true
	c.wm.InitialAutoReconnect = true

	c.startHealthMonitor(c.ctx, c.cfg.HealthMonitor)

	if device.ID == nil {
		c.setState(StateWaitingQR)
		c.logger.Info("no linked device, waiting for QR pairing", "db", c.cfg.LocalDBPath)
		go c.pair()
		return nil
	}

	c.logger.Info("connecting with stored device", "jid", device.ID.String())
	if err := c.wm.Connect(); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", channels.ErrConnectionFailed, err)
	}
	return nil
}

// Disconnect closes the socket and the inbound stream. The device stays
// linked.
func (c *Client) Disconnect() error {
	c.cancel()
	if c.wm != nil {
		c.wm.Disconnect()
	}
	if c.inboxClosed.CompareAndSwap(false, true) {
		close(c.inbox)
	}
	c.transition(StateDisconnected, ReasonUserRequest, nil)
	c.logger.Info("disconnected")
	return nil
}

// Logout unlinks the device and starts a new pairing. Observers see
// ReasonLogout, which removes the stored session.
func (c *Client) Logout(ctx context.Context) error {
	if c.wm == nil || c.wm.Store.ID == nil {
		return channels.ErrChannelDisconnected
	}

	c.setState(StateLoggingOut)
	if err := c.wm.Logout(ctx); err != nil {
		// The server may already consider us gone; make sure nothing local
		// survives either way.
		c.logger.Warn("logout request failed, deleting device locally", "error", err)
		c.wm.Disconnect()
		if delErr := c.wm.Store.Delete(ctx); delErr != nil {
			c.logger.Warn("deleting device store", "error", delErr)
		}
	}

	c.transition(StateWaitingQR, ReasonLogout, map[string]any{"needs_qr": true})
	c.logger.Info("logged out, waiting for a new pairing")
	go c.pair()
	return nil
}

// Reply sends text to the chat msg came from, quoting msg.
func (c *Client) Reply(ctx context.Context, msg *channels.IncomingMessage, text string) error {
	if !c.IsConnected() || c.wm == nil {
		return channels.ErrChannelDisconnected
	}

	chat, err := parseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("%w: chat %q: %w", channels.ErrSendFailed, msg.ChatID, err)
	}
	if _, err := c.wm.SendMessage(ctx, chat, buildReply(msg, text)); err != nil {
		c.sendErrors.Add(1)
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	c.touch()
	return nil
}

// Receive implements channels.Channel. The channel is closed by Disconnect.
func (c *Client) Receive() <-chan *channels.IncomingMessage { return c.inbox }

// Health implements channels.Channel.
func (c *Client) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:     c.IsConnected(),
		LastMessageAt: c.lastSeen(),
		ErrorCount:    int(c.sendErrors.Load()),
		Details: map[string]any{
			"state":      string(c.State()),
			"reconnects": c.reconnects.Load(),
		},
	}
	if jid := c.jid(); jid != "" {
		h.Details["jid"] = jid
	}
	return h
}

// markRead sends a read receipt for msg.
func (c *Client) markRead(ctx context.Context, msg *channels.IncomingMessage) error {
	if !c.IsConnected() {
		return nil
	}
	chat, err := parseJID(msg.ChatID)
	if err != nil {
		return err
	}
	sender, err := parseJID(msg.From)
	if err != nil {
		return err
	}
	return c.wm.MarkRead(ctx, []types.MessageID{msg.ID}, time.Now(), chat, sender)
}

// deliver queues msg for Receive. It never blocks the whatsmeow event loop;
// a full queue drops the message.
func (c *Client) deliver(msg *channels.IncomingMessage) {
	if c.inboxClosed.Load() {
		return
	}
	select {
	case c.inbox <- msg:
	default:
		c.logger.Warn("inbound queue full, dropping message", "from", msg.From, "id", msg.ID)
	}
}
