package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// QR event types.
const (
	QRCode    = "code"
	QRSuccess = "success"
	QRTimeout = "timeout"
	QRError   = "error"
)

// defaultQRLifetime applies when a code arrives without an expiry.
const defaultQRLifetime = 60 * time.Second

// QREvent is one step of a pairing round.
type QREvent struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	SecondsLeft int    `json:"expires_in,omitempty"`
}

// qrBroker fans pairing events out to subscribers and remembers the code
// that is still scannable.
type qrBroker struct {
	mu      sync.Mutex
	subs    map[chan QREvent]struct{}
	code    string
	expires time.Time
}

func (b *qrBroker) subscribe() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan QREvent]struct{})
	}
	b.subs[ch] = struct{}{}
	if left := time.Until(b.expires); b.code != "" && left > 0 {
		ch <- QREvent{Type: QRCode, Code: b.code, SecondsLeft: int(left.Seconds())}
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *qrBroker) current() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.code == "" || time.Now().After(b.expires) {
		return "", false
	}
	return b.code, true
}

// publish records evt and offers it to every subscriber. Slow subscribers
// miss events rather than stall pairing.
func (b *qrBroker) publish(evt QREvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Type == QRCode {
		if evt.SecondsLeft <= 0 {
			evt.SecondsLeft = int(defaultQRLifetime.Seconds())
		}
		b.code = evt.Code
		b.expires = time.Now().Add(time.Duration(evt.SecondsLeft) * time.Second)
	} else {
		b.code = ""
	}

	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// errPairingTimedOut ends a round in which no code was scanned.
var errPairingTimedOut = errors.New("no QR code scanned in time")

// pair runs pairing rounds until a device is linked or the client stops.
// whatsmeow ends a QR channel after a few codes, so each failed round
// disconnects and starts over after the reconnect backoff.
func (c *Client) pair() {
	if !c.pairing.CompareAndSwap(false, true) {
		return
	}
	defer c.pairing.Store(false)

	for c.ctx.Err() == nil {
		err := c.pairRound(c.ctx)
		if err == nil || c.ctx.Err() != nil {
			return
		}
		c.qr.publish(QREvent{Type: QRTimeout, Message: err.Error()})
		c.logger.Warn("pairing round ended", "error", err)
		c.wm.Disconnect()

		select {
		case <-c.ctx.Done():
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

func (c *Client) pairRound(ctx context.Context) error {
	items, err := c.wm.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("requesting QR channel: %w", err)
	}
	if err := c.wm.Connect(); err != nil {
		return fmt.Errorf("connecting for pairing: %w", err)
	}
	c.setState(StateWaitingQR)

	for item := range items {
		switch item.Event {
		case QRCode:
			c.qr.publish(QREvent{Type: QRCode, Code: item.Code, SecondsLeft: int(item.Timeout.Seconds())})
			c.logger.Info("QR code ready", "expires_in", item.Timeout)
		case QRSuccess:
			c.qr.publish(QREvent{Type: QRSuccess, Message: "device linked"})
			c.setState(StateConnecting)
			return nil
		case QRTimeout:
			return errPairingTimedOut
		case QRError:
			return fmt.Errorf("pairing: %w", item.Error)
		default:
			return fmt.Errorf("pairing: %s", item.Event)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errPairingTimedOut
}
