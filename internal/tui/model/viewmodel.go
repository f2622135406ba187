package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agonn78/p2p-chat/internal/api"
)

// Client is the part of the daemon API the viewer uses. *api.Client satisfies it.
type Client interface {
	GetStatus(ctx context.Context) (*api.GetStatusResponse, error)
	ListMessages(ctx context.Context, req *api.ListMessagesRequest) (*api.ListMessagesResponse, error)
	SendMessage(ctx context.Context, req *api.SendMessageRequest) (*api.SendMessageResponse, error)
	ListOutbox(ctx context.Context, limit int) (*api.ListOutboxResponse, error)
	RetryOutbox(ctx context.Context, clientID string) (*api.RetryOutboxResponse, error)
}

// ViewModel caches daemon state for one conversation.
type ViewModel struct {
	mu sync.RWMutex

	client   Client
	kind     string
	target   string
	pageSize int

	status     *api.GetStatusResponse
	messages   []api.Message
	nextBefore string
	remoteErr  string
	outbox     []api.OutboxEntry

	Flash Flash
}

// NewViewModel creates a view model for the conversation kind:target.
func NewViewModel(c Client, kind, target string, pageSize int) *ViewModel {
	return &ViewModel{client: c, kind: kind, target: target, pageSize: pageSize}
}

// Conversation returns the conversation label, e.g. "dm:bob".
func (vm *ViewModel) Conversation() string {
	return vm.kind + ":" + vm.target
}

// LoadStatus fetches daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.client.GetStatus(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	return nil
}

// LoadMessages replaces the view with the newest page.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	resp, err := vm.client.ListMessages(ctx, &api.ListMessagesRequest{
		Kind: vm.kind, TargetID: vm.target, Limit: vm.pageSize,
	})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.messages = resp.Messages
	vm.nextBefore = resp.NextBefore
	vm.remoteErr = resp.RemoteError
	vm.mu.Unlock()
	return nil
}

// LoadOlder prepends the page before the oldest loaded message. It reports
// whether anything new was added.
func (vm *ViewModel) LoadOlder(ctx context.Context) (bool, error) {
	vm.mu.RLock()
	before := vm.nextBefore
	vm.mu.RUnlock()
	if before == "" {
		return false, nil
	}

	resp, err := vm.client.ListMessages(ctx, &api.ListMessagesRequest{
		Kind: vm.kind, TargetID: vm.target, Before: before, Limit: vm.pageSize,
	})
	if err != nil {
		return false, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	seen := make(map[string]bool, len(vm.messages))
	for _, m := range vm.messages {
		seen[m.LocalID] = true
	}
	var older []api.Message
	for _, m := range resp.Messages {
		if !seen[m.LocalID] {
			older = append(older, m)
		}
	}
	vm.messages = append(older, vm.messages...)
	if len(older) == 0 {
		vm.nextBefore = ""
	} else {
		vm.nextBefore = resp.NextBefore
	}
	return len(older) > 0, nil
}

// LoadOutbox fetches queued sends.
func (vm *ViewModel) LoadOutbox(ctx context.Context) error {
	resp, err := vm.client.ListOutbox(ctx, 0)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.outbox = resp.Entries
	vm.mu.Unlock()
	return nil
}

// Send sends text to the conversation. A send the server did not take is
// reported through Flash, not as an error, since it stays queued.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	resp, err := vm.client.SendMessage(ctx, &api.SendMessageRequest{
		Kind: vm.kind, TargetID: vm.target, Content: text,
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		vm.Flash.Set("Queued, will retry: "+resp.Error, 5*time.Second)
	} else {
		vm.Flash.Set("Message sent", 3*time.Second)
	}
	return nil
}

// Retry redelivers one outbox entry now.
func (vm *ViewModel) Retry(ctx context.Context, clientID string) error {
	resp, err := vm.client.RetryOutbox(ctx, clientID)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("retry failed: %s", resp.Error)
	}
	vm.Flash.Set("Message sent", 3*time.Second)
	return nil
}

// Messages returns the loaded messages, oldest first.
func (vm *ViewModel) Messages() []api.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// RemoteError is the server error when the last page came from the cache.
func (vm *ViewModel) RemoteError() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.remoteErr
}

// Status returns the last fetched daemon status, or nil.
func (vm *ViewModel) Status() *api.GetStatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Pending returns the queued sends that target this conversation.
func (vm *ViewModel) Pending() []api.OutboxEntry {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	var out []api.OutboxEntry
	for _, e := range vm.outbox {
		if e.Kind == vm.kind && e.TargetID == vm.target {
			out = append(out, e)
		}
	}
	return out
}
