package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agonn78/p2p-chat/internal/bus"
	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/agonn78/p2p-chat/internal/messenger"
	"github.com/agonn78/p2p-chat/internal/outbox"
	"github.com/agonn78/p2p-chat/internal/status"
	"github.com/agonn78/p2p-chat/internal/store"
	"github.com/agonn78/p2p-chat/internal/sync"
	"github.com/agonn78/p2p-chat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// chatServer is a minimal chat server: it numbers accepted sends and can be
// switched to fail every request.
type chatServer struct {
	down  atomic.Bool
	sends atomic.Int32
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(`[]`))
		return
	}
	var body struct {
		ClientID string `json:"client_id"`
		Content  string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	n := s.sends.Add(1)
	_ = json.NewEncoder(w).Encode(transport.Message{
		ID:        fmt.Sprintf("srv-%d", n),
		ClientID:  body.ClientID,
		SenderID:  "me",
		Content:   body.Content,
		CreatedAt: time.Now().UTC(),
	})
}

type harness struct {
	client  *Client
	server  *chatServer
	bus     *bus.Bus
	machine *status.Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	// Short path for the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "p2pchat-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cs := &chatServer{}
	httpSrv := httptest.NewServer(cs)
	t.Cleanup(httpSrv.Close)

	b := bus.New()
	machine := status.NewMachine(b)
	svc := sync.NewService(db, b, nil)
	m := messenger.New(svc, transport.NewClient(httpSrv.URL, transport.Identity{}), db, messenger.Options{SenderID: "me"}, nil)
	retrier := outbox.NewRetrier(db, m, b, outbox.DefaultOptions, nil)

	grpcSrv := grpc.NewServer()
	Register(grpcSrv, NewService(Deps{
		Profile:   "test",
		Machine:   machine,
		Messenger: m,
		Sync:      svc,
		Retrier:   retrier,
		DB:        db,
		Bus:       b,
	}))

	socketPath := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(grpcSrv.Stop)

	c, err := Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &harness{client: c, server: cs, bus: b, machine: machine}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, grpcstatus.Code(err), "error: %v", err)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.client.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", resp.Profile)
	assert.Equal(t, string(status.Offline), resp.Connection)
	assert.Zero(t, resp.MessageCount)
	assert.Zero(t, resp.OutboxCount)

	require.NoError(t, h.machine.Transition(status.Connecting))
	require.NoError(t, h.machine.Transition(status.Online))

	_, err = h.client.SendMessage(ctx, &SendMessageRequest{Kind: "dm", TargetID: "bob", Content: "hi"})
	require.NoError(t, err)

	resp, err = h.client.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(status.Online), resp.Connection)
	assert.EqualValues(t, 1, resp.MessageCount)
	assert.Zero(t, resp.OutboxCount)
}

func TestSendAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{Kind: "channel", TargetID: "general", Content: "hello", ClientID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, sent.Error)
	assert.Equal(t, "srv-1", sent.Message.ServerID)
	assert.Equal(t, "srv-1", sent.Message.LocalID)
	assert.Equal(t, "c1", sent.Message.ClientID)
	assert.Equal(t, string(chat.StatusSent), sent.Message.Status)

	list, err := h.client.ListMessages(ctx, &ListMessagesRequest{Kind: "channel", TargetID: "general"})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hello", list.Messages[0].Content)
	assert.Equal(t, string(messenger.SourceMerged), list.Source)
	assert.Equal(t, "srv-1", list.NextBefore)

	// With the server down the cache is served.
	h.server.down.Store(true)
	list, err = h.client.ListMessages(ctx, &ListMessagesRequest{Kind: "channel", TargetID: "general", Limit: 10})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, string(messenger.SourceCache), list.Source)
	assert.Contains(t, list.RemoteError, "503")
}

func TestSendFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.server.down.Store(true)
	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{Kind: "dm", TargetID: "bob", Content: "later", ClientID: "c9"})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.Error)
	assert.Equal(t, string(chat.StatusFailed), sent.Message.Status)
	assert.Equal(t, chat.PendingLocalID("c9"), sent.Message.LocalID)

	queued, err := h.client.ListOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queued.Entries, 1)
	assert.Equal(t, "c9", queued.Entries[0].ClientID)
	assert.Equal(t, 1, queued.Entries[0].Attempts)
	assert.Contains(t, queued.Entries[0].LastError, "maintenance")

	h.server.down.Store(false)
	retried, err := h.client.RetryOutbox(ctx, "c9")
	require.NoError(t, err)
	assert.Empty(t, retried.Error)
	assert.Equal(t, string(chat.StatusSent), retried.Message.Status)
	assert.Equal(t, "srv-1", retried.Message.ServerID)

	queued, err = h.client.ListOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queued.Entries)

	_, err = h.client.RetryOutbox(ctx, "c9")
	requireCode(t, err, codes.NotFound)
}

func TestClearOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.server.down.Store(true)
	for i := range 3 {
		_, err := h.client.SendMessage(ctx, &SendMessageRequest{Kind: "dm", TargetID: "bob", Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	cleared, err := h.client.ClearOutbox(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cleared.Removed)

	cleared, err = h.client.ClearOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared.Removed)
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{Kind: "dm", TargetID: "bob", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, h.client.UpdateStatus(ctx, sent.Message.ServerID, "read"))

	list, err := h.client.ListMessages(ctx, &ListMessagesRequest{Kind: "dm", TargetID: "bob"})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, string(chat.StatusRead), list.Messages[0].Status)

	requireCode(t, h.client.UpdateStatus(ctx, "missing", "read"), codes.NotFound)
	requireCode(t, h.client.UpdateStatus(ctx, sent.Message.ServerID, "lost"), codes.InvalidArgument)
	requireCode(t, h.client.UpdateStatus(ctx, "", "read"), codes.InvalidArgument)
}

func TestInvalidArguments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.SendMessage(ctx, &SendMessageRequest{Kind: "group", TargetID: "x", Content: "hi"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = h.client.SendMessage(ctx, &SendMessageRequest{Kind: "dm", Content: "hi"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = h.client.SendMessage(ctx, &SendMessageRequest{Kind: "dm", TargetID: "bob"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = h.client.ListMessages(ctx, &ListMessagesRequest{Kind: "", TargetID: "bob"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = h.client.RetryOutbox(ctx, "  ")
	requireCode(t, err, codes.InvalidArgument)
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.client.WatchEvents(ctx, "message.")
	require.NoError(t, err)

	events := make(chan *Event, 16)
	go func() {
		for {
			e, err := stream.Recv()
			if err != nil {
				close(events)
				return
			}
			events <- e
		}
	}()

	// The server subscribes asynchronously; publish until the first event
	// arrives.
	ref := bus.MessageRef{
		Conversation: chat.Conversation{Kind: chat.KindDM, TargetID: "bob"},
		LocalID:      "srv-7",
		Status:       chat.StatusDelivered,
	}
	var got *Event
	require.Eventually(t, func() bool {
		h.bus.Emit(bus.OutboxCleared, int64(1))
		h.bus.Emit(bus.MessageStatus, ref)
		select {
		case got = <-events:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, bus.MessageStatus, got.Kind)
	assert.Equal(t, "dm:bob", got.Conversation)
	assert.Equal(t, "srv-7", got.LocalID)
	assert.Equal(t, "delivered", got.Status)
	assert.NotEmpty(t, got.EventID)
	assert.NotZero(t, got.OccurredAtUnixMs)
}

func TestEventFromBus(t *testing.T) {
	at := time.UnixMilli(5000)
	e := eventFromBus("id", bus.Event{
		Kind:      bus.ConnectionChanged,
		Timestamp: at,
		Payload:   status.StatusChange{From: status.Connecting, To: status.Online},
	})
	assert.Equal(t, "CONNECTING", e.From)
	assert.Equal(t, "ONLINE", e.To)
	assert.EqualValues(t, 5000, e.OccurredAtUnixMs)

	e = eventFromBus("id", bus.Event{Kind: bus.MessagesCached, Payload: bus.CacheBatch{Count: 4}})
	assert.Equal(t, 4, e.Count)

	e = eventFromBus("id", bus.Event{Kind: bus.OutboxCleared, Payload: int64(2)})
	assert.Equal(t, 2, e.Count)
}

func TestWatchEventsWithoutBus(t *testing.T) {
	svc := NewService(Deps{})
	err := svc.WatchEvents(&WatchEventsRequest{}, nil)
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}
