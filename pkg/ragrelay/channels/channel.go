// Package channels holds the transport-neutral message types the relay
// pipeline works with.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType is what kind of content arrived. Only text and captions carry
// anything the pipeline can answer.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageOther    MessageType = "other"
)

// Replier sends the single answer for an inbound message.
type Replier interface {
	Reply(ctx context.Context, msg *IncomingMessage, text string) error
}

// Channel is a connected messaging account: an inbound stream plus replies.
type Channel interface {
	Replier
	Name() string
	Connect(ctx context.Context) error
	// Disconnect closes the Receive channel.
	Disconnect() error
	Receive() <-chan *IncomingMessage
	IsConnected() bool
	Health() HealthStatus
}

// IncomingMessage is one inbound message. Receivers must treat it as
// read-only.
type IncomingMessage struct {
	ID       string
	Channel  string
	From     string // sender address
	FromName string
	ChatID   string // where the reply goes; equals From for DMs
	IsGroup  bool
	Type     MessageType
	Content  string

	Timestamp time.Time
	Metadata  map[string]any
}

// HealthStatus is reported on the status endpoint.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at,omitempty"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("send failed")
	ErrConnectionFailed    = errors.New("connection failed")
)
