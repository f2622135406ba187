package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
)

var dm = chat.Conversation{Kind: chat.KindDM, TargetID: "user-2"}

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func pending(clientID, content string, createdAt int64) *chat.PersistedMessage {
	return &chat.PersistedMessage{
		LocalID:    chat.PendingLocalID(clientID),
		ClientID:   clientID,
		SenderID:   "me",
		TargetKind: dm.Kind,
		TargetID:   dm.TargetID,
		Content:    content,
		CreatedAt:  at(createdAt),
		Status:     chat.StatusSending,
	}
}

func confirmed(serverID, content string, createdAt int64) *chat.PersistedMessage {
	return &chat.PersistedMessage{
		LocalID:    serverID,
		ServerID:   serverID,
		TargetKind: dm.Kind,
		TargetID:   dm.TargetID,
		Content:    content,
		CreatedAt:  at(createdAt),
		Status:     chat.StatusSent,
	}
}

func mustLoad(t *testing.T, db *DB, before string, limit int) []chat.PersistedMessage {
	t.Helper()
	msgs, err := db.LoadMessages(context.Background(), dm, before, limit)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertByClientIDIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, pending("c1", "first", 1000)); err != nil {
		t.Fatal(err)
	}
	second := pending("c1", "second", 1000)
	second.Status = chat.StatusFailed
	if err := db.UpsertMessage(ctx, second); err != nil {
		t.Fatal(err)
	}

	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "second" || msgs[0].Status != chat.StatusFailed {
		t.Errorf("got %q/%s, want second/failed", msgs[0].Content, msgs[0].Status)
	}
}

func TestUpsertPromotesOptimisticRow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, pending("c2", "hello", 1000)); err != nil {
		t.Fatal(err)
	}
	ack := confirmed("srv-1", "hello", 1005)
	ack.ClientID = "c2"
	ack.SenderUsername = "alice"
	if err := db.UpsertMessage(ctx, ack); err != nil {
		t.Fatal(err)
	}

	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.LocalID != "srv-1" || got.ServerID != "srv-1" || got.ClientID != "c2" {
		t.Errorf("identity = %q/%q/%q, want srv-1/srv-1/c2", got.LocalID, got.ServerID, got.ClientID)
	}
	if got.SenderID != "me" {
		t.Errorf("sender_id = %q, want me (kept from optimistic row)", got.SenderID)
	}
	if got.SenderUsername != "alice" || got.Status != chat.StatusSent {
		t.Errorf("got %q/%s, want alice/sent", got.SenderUsername, got.Status)
	}
}

func TestUpsertByServerID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, confirmed("srv-1", "v1", 1000)); err != nil {
		t.Fatal(err)
	}
	edited := confirmed("srv-1", "v2", 1000)
	edited.LocalID = ""
	edit := at(2000)
	edited.EditedAt = &edit
	if err := db.UpsertMessage(ctx, edited); err != nil {
		t.Fatal(err)
	}

	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "v2" || msgs[0].EditedAt == nil || !msgs[0].EditedAt.Equal(edit) {
		t.Errorf("got %+v, want edited v2", msgs[0])
	}
}

// TestUpsertFoldsEarlyRemoteCopy covers a remote page that cached the server
// copy of a message before its send was acknowledged.
func TestUpsertFoldsEarlyRemoteCopy(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, pending("c3", "hi", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, confirmed("srv-3", "hi", 1001)); err != nil {
		t.Fatal(err)
	}
	if got := len(mustLoad(t, db, "", 10)); got != 2 {
		t.Fatalf("before ack got %d messages, want 2", got)
	}

	ack := confirmed("srv-3", "hi", 1001)
	ack.ClientID = "c3"
	if err := db.UpsertMessage(ctx, ack); err != nil {
		t.Fatal(err)
	}

	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 after ack", len(msgs))
	}
	if msgs[0].LocalID != "srv-3" || msgs[0].ClientID != "c3" {
		t.Errorf("got %q/%q, want srv-3/c3", msgs[0].LocalID, msgs[0].ClientID)
	}
}

func TestUpsertConflictAcrossConversations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, pending("c4", "hi", 1000)); err != nil {
		t.Fatal(err)
	}
	other := pending("c4", "hi", 1000)
	other.TargetKind = chat.KindChannel
	other.TargetID = "general"
	err := db.UpsertMessage(ctx, other)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// A server id already cached in another conversation conflicts too.
	chanMsg := confirmed("srv-9", "x", 1000)
	chanMsg.TargetKind = chat.KindChannel
	chanMsg.TargetID = "general"
	if err := db.UpsertMessage(ctx, chanMsg); err != nil {
		t.Fatal(err)
	}
	ack := confirmed("srv-9", "hi", 1000)
	ack.ClientID = "c4"
	if err := db.UpsertMessage(ctx, ack); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The failed writes left the original row untouched.
	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 1 || msgs[0].LocalID != "local-c4" || msgs[0].Status != chat.StatusSending {
		t.Errorf("got %+v, want untouched local-c4", msgs)
	}
}

func TestUpsertKeepsConfirmedIdentity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ack := confirmed("srv-5", "hi", 1000)
	ack.ClientID = "c5"
	if err := db.UpsertMessage(ctx, ack); err != nil {
		t.Fatal(err)
	}
	late := pending("c5", "hi", 1000)
	late.Status = chat.StatusFailed
	if err := db.UpsertMessage(ctx, late); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage(ctx, "srv-5")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.LocalID != "srv-5" || m.ServerID != "srv-5" {
		t.Fatalf("got %+v, want confirmed identity kept", m)
	}
	if m.Status != chat.StatusSent {
		t.Errorf("status = %q, want %q", m.Status, chat.StatusSent)
	}
	if m.CreatedAt.UnixMilli() != 1000 {
		t.Errorf("created_at = %d, want 1000", m.CreatedAt.UnixMilli())
	}
}

func TestConfirmedRowNotDowngraded(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ack := confirmed("srv-6", "hi", 1000)
	ack.ClientID = "c6"
	ack.Status = chat.StatusRead
	if err := db.UpsertMessage(ctx, ack); err != nil {
		t.Fatal(err)
	}
	retry := pending("c6", "hi", 4000)
	if err := db.UpsertMessage(ctx, retry); err != nil {
		t.Fatal(err)
	}
	if retry.Status != chat.StatusRead || retry.LocalID != "srv-6" {
		t.Errorf("upsert reported %q/%q, want srv-6/read", retry.LocalID, retry.Status)
	}

	m, err := db.GetMessageByClientID(ctx, "c6")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("GetMessageByClientID() = nil")
	}
	if m.Status != chat.StatusRead || m.CreatedAt.UnixMilli() != 1000 {
		t.Errorf("got %s at %d, want read at 1000", m.Status, m.CreatedAt.UnixMilli())
	}

	if m, err := db.GetMessageByClientID(ctx, "unknown"); err != nil || m != nil {
		t.Errorf("GetMessageByClientID(unknown) = %+v, %v; want nil, nil", m, err)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  chat.PersistedMessage
	}{
		{"no identity", chat.PersistedMessage{TargetKind: chat.KindDM, TargetID: "u"}},
		{"no target", chat.PersistedMessage{LocalID: "x", TargetKind: chat.KindDM}},
		{"bad kind", chat.PersistedMessage{LocalID: "x", TargetKind: "group", TargetID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := db.UpsertMessage(ctx, &tt.msg); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestCursorPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(ctx, confirmed(id, id, int64(1000*(i+1)))); err != nil {
			t.Fatal(err)
		}
	}

	page := mustLoad(t, db, "", 2)
	if len(page) != 2 || page[0].LocalID != "m2" || page[1].LocalID != "m3" {
		t.Fatalf("first page = %v, want [m2 m3]", ids(page))
	}
	page = mustLoad(t, db, "m2", 2)
	if len(page) != 1 || page[0].LocalID != "m1" {
		t.Fatalf("second page = %v, want [m1]", ids(page))
	}
	page = mustLoad(t, db, "m1", 2)
	if len(page) != 0 {
		t.Fatalf("third page = %v, want []", ids(page))
	}
}

func TestCursorPaginationSameTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := db.UpsertMessage(ctx, confirmed(fmt.Sprintf("m%d", i), "x", 1000)); err != nil {
			t.Fatal(err)
		}
	}

	var walked []string
	before := ""
	for {
		page := mustLoad(t, db, before, 2)
		if len(page) == 0 {
			break
		}
		walked = append(ids(page), walked...)
		before = page[0].LocalID
	}
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	if fmt.Sprint(walked) != fmt.Sprint(want) {
		t.Errorf("walked %v, want %v", walked, want)
	}
}

func TestCursorSurvivesPromotion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, confirmed("m1", "old", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, pending("c6", "mine", 2000)); err != nil {
		t.Fatal(err)
	}
	ack := confirmed("srv-6", "mine", 2000)
	ack.ClientID = "c6"
	if err := db.UpsertMessage(ctx, ack); err != nil {
		t.Fatal(err)
	}

	page := mustLoad(t, db, "local-c6", 10)
	if len(page) != 1 || page[0].LocalID != "m1" {
		t.Errorf("page = %v, want [m1]", ids(page))
	}
	if page := mustLoad(t, db, "unknown", 10); len(page) != 0 {
		t.Errorf("unknown cursor page = %v, want []", ids(page))
	}
}

func TestLoadMessagesScopedToConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, confirmed("m1", "dm", 1000)); err != nil {
		t.Fatal(err)
	}
	other := confirmed("m2", "channel", 2000)
	other.TargetKind = chat.KindChannel
	other.TargetID = dm.TargetID
	if err := db.UpsertMessage(ctx, other); err != nil {
		t.Fatal(err)
	}

	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 1 || msgs[0].LocalID != "m1" {
		t.Errorf("got %v, want [m1]", ids(msgs))
	}
}

func TestUpsertMessagesAbortsBatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	batch := []chat.PersistedMessage{
		*confirmed("m1", "a", 1000),
		{TargetKind: chat.KindDM, TargetID: dm.TargetID},
		*confirmed("m3", "c", 3000),
	}
	if err := db.UpsertMessages(ctx, batch); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
	if msgs := mustLoad(t, db, "", 10); len(msgs) != 0 {
		t.Errorf("got %d messages, want 0 after aborted batch", len(msgs))
	}
}

func TestUpdateStatusByID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	target := confirmed("srv-msg-2", "hello", 1000)
	target.SenderID = "u1"
	if err := db.UpsertMessage(ctx, target); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, confirmed("srv-msg-3", "other", 2000)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, pending("c7", "pending", 3000)); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateStatusByID(ctx, "srv-msg-2", chat.StatusRead); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatusByID(ctx, "local-c7", chat.StatusFailed); err != nil {
		t.Fatal(err)
	}

	msgs := mustLoad(t, db, "", 10)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Status != chat.StatusRead || msgs[0].Content != "hello" || msgs[0].SenderID != "u1" || !msgs[0].CreatedAt.Equal(at(1000)) {
		t.Errorf("updated row = %+v", msgs[0])
	}
	if msgs[1].Status != chat.StatusSent {
		t.Errorf("other row status = %s, want sent", msgs[1].Status)
	}
	if msgs[2].Status != chat.StatusFailed {
		t.Errorf("pending row status = %s, want failed", msgs[2].Status)
	}

	if err := db.UpdateStatusByID(ctx, "missing", chat.StatusRead); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetMessageMissing(t *testing.T) {
	db := testDB(t)
	m, err := db.GetMessage(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil for missing message, got %+v", m)
	}
}

func outboxItem(clientID string, createdAt int64) *chat.OutboxMessage {
	return &chat.OutboxMessage{
		ClientID:   clientID,
		TargetKind: dm.Kind,
		TargetID:   dm.TargetID,
		SenderID:   "me",
		Content:    "body " + clientID,
		CreatedAt:  at(createdAt),
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"c2", "c1", "c3"} {
		if err := db.EnqueueOutbox(ctx, outboxItem(id, int64(3000-i*1000))); err != nil {
			t.Fatal(err)
		}
	}

	items, err := db.ListOutbox(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].ClientID != "c3" || items[2].ClientID != "c2" {
		t.Fatalf("order = %v, want oldest first [c3 c1 c2]", outboxIDs(items))
	}
	if items, _ := db.ListOutbox(ctx, 1); len(items) != 1 || items[0].ClientID != "c3" {
		t.Errorf("limit 1 = %v, want [c3]", outboxIDs(items))
	}

	if err := db.UpdateOutboxError(ctx, "c1", "network down"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateOutboxError(ctx, "c1", "timeout"); err != nil {
		t.Fatal(err)
	}
	item, err := db.GetOutbox(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if item.Attempts != 2 || item.LastError != "timeout" {
		t.Errorf("got attempts=%d last_error=%q, want 2/timeout", item.Attempts, item.LastError)
	}

	// Re-enqueueing keeps the retry history.
	again := outboxItem("c1", 9999)
	again.Content = "edited"
	if err := db.EnqueueOutbox(ctx, again); err != nil {
		t.Fatal(err)
	}
	item, _ = db.GetOutbox(ctx, "c1")
	if item.Attempts != 2 || item.Content != "edited" || !item.CreatedAt.Equal(at(2000)) {
		t.Errorf("re-enqueue = %+v, want attempts kept, content edited, created_at kept", item)
	}

	if err := db.RemoveOutbox(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveOutbox(ctx, "c1"); err != nil {
		t.Errorf("second remove error = %v, want nil", err)
	}
	if err := db.UpdateOutboxError(ctx, "c1", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	n, err := db.ClearOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	if count, _ := db.OutboxCount(ctx); count != 0 {
		t.Errorf("outbox count = %d, want 0", count)
	}
}

func TestCreatePending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreatePending(ctx, pending("c8", "hi", 1000), outboxItem("c8", 1000)); err != nil {
		t.Fatal(err)
	}
	if count, _ := db.MessageCount(ctx); count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
	if count, _ := db.OutboxCount(ctx); count != 1 {
		t.Errorf("outbox count = %d, want 1", count)
	}

	// A failed outbox write rolls back the message too.
	bad := outboxItem("", 1000)
	if err := db.CreatePending(ctx, pending("c9", "hi", 1000), bad); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
	if m, _ := db.GetMessage(ctx, "local-c9"); m != nil {
		t.Error("message from failed CreatePending should be rolled back")
	}
}

func TestConcurrentUpsertsSameClientID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := pending("dup", fmt.Sprintf("v%d", i), 1000)
			if i%2 == 0 {
				m = confirmed("srv-dup", "final", 1000)
				m.ClientID = "dup"
			}
			errs <- db.UpsertMessage(ctx, m)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if msgs := mustLoad(t, db, "", 10); len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 after concurrent upserts", len(msgs))
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if v, err := db.GetState(ctx, "k"); err != nil || v != "" {
		t.Fatalf("GetState(missing) = %q, %v", v, err)
	}
	if err := db.SetState(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetState(ctx, "k"); v != "v2" {
		t.Errorf("GetState = %q, want v2", v)
	}
}

func ids(msgs []chat.PersistedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.LocalID
	}
	return out
}

func outboxIDs(items []chat.OutboxMessage) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ClientID
	}
	return out
}
