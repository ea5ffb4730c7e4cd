package whatsapp

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
)

// ConnectionState is where the client is in its lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggingOut   ConnectionState = "logging_out"
	StateBanned       ConnectionState = "banned"
)

const (
	ReasonConnectionLost = "connection_lost"
	ReasonStreamReplaced = "stream_replaced"
	ReasonLoggedOut      = "logged_out" // unlinked from the phone
	ReasonLogout         = "logout"     // unlinked through Logout
	ReasonTemporaryBan   = "temporary_ban"
	ReasonClientOutdated = "client_outdated"
	ReasonConnectFailure = "connect_failure"
	ReasonStale          = "stale_connection"
	ReasonMaxReconnect   = "max_reconnect_attempts"
	ReasonUserRequest    = "user_request"
)

// ConnectionEvent describes one state change.
type ConnectionEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// SessionInvalidated reports whether the linked device no longer exists,
// so any stored copy of it is useless.
func (e ConnectionEvent) SessionInvalidated() bool {
	return e.Reason == ReasonLoggedOut || e.Reason == ReasonLogout
}

type ConnectionObserver interface {
	OnConnectionChange(evt ConnectionEvent)
}

// ConnectionObserverFunc lets a plain function observe connection changes.
type ConnectionObserverFunc func(evt ConnectionEvent)

func (f ConnectionObserverFunc) OnConnectionChange(evt ConnectionEvent) { f(evt) }

type observerList struct {
	mu   sync.RWMutex
	list []ConnectionObserver
}

func (o *observerList) add(obs ConnectionObserver) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

// notify calls every observer in order. A panic in one is logged and the
// rest still run.
func (o *observerList) notify(logger *slog.Logger, evt ConnectionEvent) {
	o.mu.RLock()
	list := append([]ConnectionObserver(nil), o.list...)
	o.mu.RUnlock()

	for _, obs := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("connection observer panicked", "panic", r, "state", evt.State)
				}
			}()
			obs.OnConnectionChange(evt)
		}()
	}
}

func (c *Client) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		c.onMessage(evt)

	case *events.Connected:
		c.reconnects.Store(0)
		c.touch()
		c.transition(StateConnected, "", map[string]any{"jid": c.jid()})
		c.logger.Info("connected", "jid", c.jid())

	case *events.Disconnected:
		// whatsmeow reconnects on its own after an unexpected drop.
		next := StateReconnecting
		if c.ctx.Err() != nil {
			next = StateDisconnected
		}
		c.transition(next, ReasonConnectionLost, nil)
		c.logger.Warn("connection lost")

	case *events.StreamReplaced:
		c.transition(StateDisconnected, ReasonStreamReplaced, nil)
		c.logger.Error("session opened elsewhere, this client was replaced")

	case *events.LoggedOut:
		// The device store is already wiped when this arrives.
		c.transition(StateWaitingQR, ReasonLoggedOut, map[string]any{
			"reason":   evt.Reason.String(),
			"needs_qr": true,
		})
		c.logger.Error("device unlinked", "reason", evt.Reason.String(), "on_connect", evt.OnConnect)
		go c.pair()

	case *events.TemporaryBan:
		c.transition(StateBanned, ReasonTemporaryBan, map[string]any{
			"code":   evt.Code.String(),
			"expire": evt.Expire.String(),
		})
		c.logger.Error("account temporarily banned", "code", evt.Code, "expire", evt.Expire)

	case *events.ClientOutdated:
		c.transition(StateDisconnected, ReasonClientOutdated, nil)
		c.logger.Error("server rejected the client version, update whatsmeow")

	case *events.ConnectFailure:
		permanent := evt.PermanentDisconnectDescription()
		c.logger.Error("connect failure", "reason", evt.Reason.String(),
			"message", evt.Message, "permanent", permanent)
		if permanent != "" || c.ctx.Err() != nil {
			c.transition(StateDisconnected, ReasonConnectFailure, map[string]any{"reason": evt.Reason.String()})
			return
		}
		c.transition(StateReconnecting, ReasonConnectFailure, map[string]any{"reason": evt.Reason.String()})
		go c.reconnect(ReasonConnectFailure)

	case *events.KeepAliveTimeout:
		c.logger.Warn("keep-alive timeout", "failures", evt.ErrorCount, "last_success", evt.LastSuccess)

	case *events.KeepAliveRestored:
		c.logger.Info("keep-alive restored")

	case *events.PairSuccess:
		c.logger.Info("device linked", "jid", evt.ID, "platform", evt.Platform)
	}
}

// onMessage filters an inbound message and hands it to Receive.
func (c *Client) onMessage(evt *events.Message) {
	c.touch()

	info := evt.Info
	switch {
	case info.IsFromMe, info.Chat.Server == types.BroadcastServer:
		return
	case info.IsGroup && !c.cfg.RespondToGroups:
		return
	case !info.IsGroup && !c.cfg.RespondToDMs:
		return
	}

	kind, text := messageContent(evt.Message)
	msg := &channels.IncomingMessage{
		ID:        string(info.ID),
		Channel:   c.Name(),
		From:      info.Sender.String(),
		FromName:  info.PushName,
		ChatID:    info.Chat.String(),
		IsGroup:   info.IsGroup,
		Type:      kind,
		Content:   text,
		Timestamp: info.Timestamp,
	}

	if c.cfg.AutoRead {
		go func() {
			if err := c.markRead(c.ctx, msg); err != nil {
				c.logger.Debug("read receipt not sent", "id", msg.ID, "error", err)
			}
		}()
	}
	c.deliver(msg)
}

// messageContent returns the typed text of m. Media counts only through
// its caption; a voice note has none.
func messageContent(m *waE2E.Message) (channels.MessageType, string) {
	switch {
	case m == nil:
		return channels.MessageOther, ""
	case m.Conversation != nil:
		return channels.MessageText, m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return channels.MessageText, m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return channels.MessageImage, m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return channels.MessageVideo, m.GetVideoMessage().GetCaption()
	case m.DocumentMessage != nil:
		return channels.MessageDocument, m.GetDocumentMessage().GetCaption()
	case m.AudioMessage != nil:
		return channels.MessageAudio, ""
	default:
		return channels.MessageOther, ""
	}
}

// buildReply wraps text in a message that quotes msg.
func buildReply(msg *channels.IncomingMessage, text string) *waE2E.Message {
	quote := &waE2E.ContextInfo{
		StanzaID:      proto.String(msg.ID),
		QuotedMessage: &waE2E.Message{Conversation: proto.String(msg.Content)},
	}
	if msg.From != "" {
		quote.Participant = proto.String(msg.From)
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: quote,
		},
	}
}

// parseJID accepts a full JID ("...@s.whatsapp.net", "...@g.us") or a bare
// phone number in any punctuation.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty address")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 10 {
		return types.JID{}, fmt.Errorf("not a phone number: %q", s)
	}
	return types.NewJID(b.String(), types.DefaultUserServer), nil
}
