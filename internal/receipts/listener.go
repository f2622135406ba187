// Package receipts keeps a WebSocket open to the chat server and applies the
// delivery receipts and new messages it pushes to the local cache.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agonn78/p2p-chat/internal/backoff"
	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/agonn78/p2p-chat/internal/status"
	"github.com/agonn78/p2p-chat/internal/store"
	"github.com/agonn78/p2p-chat/internal/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types the server sends.
const (
	FrameStatus     = "message.status"
	FrameNewMessage = "message.new"
)

// Sink applies pushed events. *sync.Service satisfies it.
type Sink interface {
	UpdateStatusByID(ctx context.Context, id string, status chat.MessageStatus) error
	CacheRemoteMessages(ctx context.Context, msgs []chat.PersistedMessage) error
}

// Frame is one event on the socket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StatusPayload is the payload of a message.status frame.
type StatusPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Options configures a Listener.
type Options struct {
	URL      string
	Identity transport.Identity
	Backoff  backoff.Config
}

// Listener runs the receive loop, reconnecting forever until stopped.
type Listener struct {
	opts    Options
	sink    Sink
	machine *status.Machine
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener. A zero Backoff uses backoff.Reconnect.
func NewListener(opts Options, sink Sink, machine *status.Machine, logger *zap.Logger) *Listener {
	if opts.Backoff == (backoff.Config{}) {
		opts.Backoff = backoff.Reconnect
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{opts: opts, sink: sink, machine: machine, logger: logger}
}

// Start launches the receive loop in the background.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	if l.machine.Current() == status.Stopped {
		l.transition(status.Offline)
	}
	go l.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.transition(status.Stopped)

	attempt := 0
	for {
		l.transition(status.Connecting)
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}

		delay := backoff.Delay(l.opts.Backoff, attempt)
		attempt++
		l.logger.Warn("event socket disconnected",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
		l.transition(status.Reconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection fails. connected
// reports whether the dial succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.opts.Identity.Token != "" {
		header.Set("Authorization", "Bearer "+l.opts.Identity.Token)
	}
	conn, _, err := websocket.Dial(ctx, l.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	l.transition(status.Online)
	l.logger.Info("event socket connected", zap.String("url", l.opts.URL))

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return true, fmt.Errorf("websocket read: %w", err)
		}
		l.Handle(ctx, f)
	}
}

// Handle applies one frame. Malformed or unknown frames are logged and
// skipped; storage errors never tear down the connection.
func (l *Listener) Handle(ctx context.Context, f Frame) {
	switch f.Type {
	case FrameStatus:
		var p StatusPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
			l.logger.Warn("malformed status frame", zap.Error(err), zap.ByteString("payload", f.Payload))
			return
		}
		st, err := chat.ParseStatus(p.Status)
		if err != nil {
			l.logger.Warn("status frame with unknown status", zap.Error(err), zap.String("message_id", p.MessageID))
			return
		}
		if err := l.sink.UpdateStatusByID(ctx, p.MessageID, st); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				l.logger.Debug("receipt for uncached message", zap.String("message_id", p.MessageID))
				return
			}
			l.logger.Error("failed to apply receipt", zap.Error(err), zap.String("message_id", p.MessageID))
		}

	case FrameNewMessage:
		var m transport.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil || m.ID == "" {
			l.logger.Warn("malformed message frame", zap.Error(err), zap.ByteString("payload", f.Payload))
			return
		}
		msg, err := m.ToPersisted(chat.Conversation{})
		if err != nil || !msg.TargetKind.Valid() || msg.TargetID == "" {
			l.logger.Warn("message frame without a valid conversation", zap.Error(err), zap.String("message_id", m.ID))
			return
		}
		if err := l.sink.CacheRemoteMessages(ctx, []chat.PersistedMessage{msg}); err != nil {
			l.logger.Error("failed to cache pushed message", zap.Error(err), zap.String("message_id", m.ID))
		}

	default:
		l.logger.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

func (l *Listener) transition(to status.State) {
	if l.machine.Current() == to {
		return
	}
	if err := l.machine.Transition(to); err != nil {
		l.logger.Debug("connection state change rejected", zap.Error(err))
	}
}
