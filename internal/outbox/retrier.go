// Package outbox redelivers queued sends on a backoff schedule.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agonn78/p2p-chat/internal/backoff"
	"github.com/agonn78/p2p-chat/internal/bus"
	"github.com/agonn78/p2p-chat/internal/chat"
	"go.uber.org/zap"
)

// ErrInFlight is returned by RetryNow when the entry is already being sent.
var ErrInFlight = errors.New("outbox: redelivery already in flight")

// ErrUnknownEntry is returned by RetryNow for a client id not in the outbox.
var ErrUnknownEntry = errors.New("outbox: no such entry")

// Queue reads the outbox. *store.DB satisfies it.
type Queue interface {
	ListOutbox(ctx context.Context, limit int) ([]chat.OutboxMessage, error)
	GetOutbox(ctx context.Context, clientID string) (*chat.OutboxMessage, error)
}

// Redeliverer sends an outbox entry again. *messenger.Messenger satisfies it.
type Redeliverer interface {
	Redeliver(ctx context.Context, item chat.OutboxMessage) (*chat.PersistedMessage, error)
}

// Options tunes the retry loop.
type Options struct {
	PollInterval time.Duration
	// StaleAfter is how long a never-attempted entry may sit before it is
	// treated as a send lost to a crash.
	StaleAfter time.Duration
	Backoff    backoff.Config
}

// DefaultOptions polls every 5s with the outbox backoff preset.
var DefaultOptions = Options{
	PollInterval: 5 * time.Second,
	StaleAfter:   30 * time.Second,
	Backoff:      backoff.Outbox,
}

type schedule struct {
	attempts int
	dueAt    time.Time
}

// Retrier periodically redelivers outbox entries whose backoff has elapsed.
type Retrier struct {
	queue  Queue
	sender Redeliverer
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu        sync.Mutex
	inflight  map[string]bool
	schedules map[string]schedule
	exhausted map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetrier creates a retrier. Zero option fields fall back to DefaultOptions.
func NewRetrier(queue Queue, sender Redeliverer, b *bus.Bus, opts Options, logger *zap.Logger) *Retrier {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions.StaleAfter
	}
	if opts.Backoff == (backoff.Config{}) {
		opts.Backoff = DefaultOptions.Backoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		queue:     queue,
		sender:    sender,
		bus:       b,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		inflight:  make(map[string]bool),
		schedules: make(map[string]schedule),
		exhausted: make(map[string]bool),
	}
}

// Start begins polling the outbox.
func (r *Retrier) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops the loop and waits for the current pass to finish.
func (r *Retrier) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Retrier) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce makes one pass over the outbox, oldest entry first, and returns
// how many entries were redelivered.
func (r *Retrier) RunOnce(ctx context.Context) int {
	items, err := r.queue.ListOutbox(ctx, 0)
	if err != nil {
		r.logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}
	r.forget(items)

	sent := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !r.due(item) || !r.claim(item.ClientID) {
			continue
		}
		r.redeliver(ctx, item)
		sent++
	}
	return sent
}

// RetryNow redelivers one entry immediately, ignoring its backoff.
func (r *Retrier) RetryNow(ctx context.Context, clientID string) (*chat.PersistedMessage, error) {
	item, err := r.queue.GetOutbox(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("read outbox entry: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, clientID)
	}
	if !r.claim(clientID) {
		return nil, ErrInFlight
	}
	r.mu.Lock()
	delete(r.exhausted, clientID)
	r.mu.Unlock()
	return r.redeliver(ctx, *item)
}

func (r *Retrier) redeliver(ctx context.Context, item chat.OutboxMessage) (*chat.PersistedMessage, error) {
	defer r.release(item.ClientID)

	r.logger.Info("redelivering queued message",
		zap.String("client_id", item.ClientID),
		zap.Int("attempts", item.Attempts),
		zap.String("last_error", item.LastError))

	msg, err := r.sender.Redeliver(ctx, item)
	if err != nil {
		r.logger.Warn("redelivery failed",
			zap.String("client_id", item.ClientID), zap.Error(err))
	}
	return msg, err
}

// due reports whether item should be redelivered now.
func (r *Retrier) due(item chat.OutboxMessage) bool {
	now := r.now()

	if backoff.Exhausted(r.opts.Backoff, item.Attempts) {
		r.markExhausted(item)
		return false
	}
	if item.Attempts == 0 {
		return now.Sub(item.UpdatedAt) >= r.opts.StaleAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[item.ClientID]
	if !ok || s.attempts != item.Attempts {
		s = schedule{
			attempts: item.Attempts,
			dueAt:    item.UpdatedAt.Add(backoff.Delay(r.opts.Backoff, item.Attempts-1)),
		}
		r.schedules[item.ClientID] = s
	}
	return !now.Before(s.dueAt)
}

func (r *Retrier) markExhausted(item chat.OutboxMessage) {
	r.mu.Lock()
	seen := r.exhausted[item.ClientID]
	r.exhausted[item.ClientID] = true
	r.mu.Unlock()
	if seen {
		return
	}
	r.logger.Warn("giving up on queued message",
		zap.String("client_id", item.ClientID),
		zap.Int("attempts", item.Attempts),
		zap.String("last_error", item.LastError))
	r.bus.Emit(bus.OutboxExhausted, bus.MessageRef{
		Conversation: item.Conversation(),
		LocalID:      chat.PendingLocalID(item.ClientID),
		ClientID:     item.ClientID,
		Status:       chat.StatusFailed,
		Error:        item.LastError,
	})
}

func (r *Retrier) claim(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[clientID] {
		return false
	}
	r.inflight[clientID] = true
	return true
}

func (r *Retrier) release(clientID string) {
	r.mu.Lock()
	delete(r.inflight, clientID)
	r.mu.Unlock()
}

// forget drops bookkeeping for entries that left the outbox.
func (r *Retrier) forget(items []chat.OutboxMessage) {
	live := make(map[string]bool, len(items))
	for _, item := range items {
		live[item.ClientID] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.schedules {
		if !live[id] {
			delete(r.schedules, id)
		}
	}
	for id := range r.exhausted {
		if !live[id] {
			delete(r.exhausted, id)
		}
	}
}
