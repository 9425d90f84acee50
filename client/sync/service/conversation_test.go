package service

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"msg_client/client/sync/domain"
)

const testLocalUser = "me"

func snapshotMessages(conversationID, sender string, count int) []domain.Message {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out := make([]domain.Message, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, domain.Message{
			ID:             fmt.Sprintf("m%d", i+1),
			ConversationID: conversationID,
			SenderID:       sender,
			Body:           fmt.Sprintf("msg %d", i+1),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			Status:         domain.StatusSent,
		})
	}
	return out
}

func TestDeliveredAffectsOnlyTargetMessage(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(snapshotMessages("c1", "u2", 3))

	before := agg.View()
	if before.UnreadCount != 3 {
		t.Fatalf("unread = %d, want 3", before.UnreadCount)
	}

	agg.Ingest(domain.PushEvent{Type: domain.EventDelivered, ConversationID: "c1", MessageID: "m2"})

	view := agg.View()
	for _, msg := range view.Messages {
		want := domain.StatusSent
		if msg.ID == "m2" {
			want = domain.StatusDelivered
		}
		if msg.Status != want {
			t.Fatalf("message %s status = %s, want %s", msg.ID, msg.Status, want)
		}
	}
	// delivered is not read: unread unchanged.
	if view.UnreadCount != 3 {
		t.Fatalf("unread = %d, want 3", view.UnreadCount)
	}
}

func TestUnreadAlwaysDerivedFromStatuses(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	messages := snapshotMessages("c1", "u2", 2)
	messages = append(messages, domain.Message{
		ID: "mine", ConversationID: "c1", SenderID: testLocalUser,
		Body: "own", CreatedAt: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC), Status: domain.StatusSent,
	})
	agg.ApplySnapshot(messages)

	if got := agg.View().UnreadCount; got != 2 {
		t.Fatalf("unread = %d, want 2 (own messages never count)", got)
	}

	agg.Ingest(domain.PushEvent{Type: domain.EventRead, ConversationID: "c1", MessageID: "m1"})
	if got := agg.View().UnreadCount; got != 1 {
		t.Fatalf("unread after read = %d, want 1", got)
	}

	agg.Ingest(domain.PushEvent{Type: domain.EventDeleted, ConversationID: "c1", MessageID: "m2"})
	if got := agg.View().UnreadCount; got != 0 {
		t.Fatalf("unread after delete = %d, want 0", got)
	}

	// Recompute invariant: the counter equals a fresh count over the set.
	view := agg.View()
	expected := 0
	for _, msg := range view.Messages {
		if msg.SenderID != testLocalUser && msg.Status != domain.StatusRead && msg.Status != domain.StatusDeleted {
			expected++
		}
	}
	if view.UnreadCount != expected {
		t.Fatalf("unread = %d, recount = %d", view.UnreadCount, expected)
	}
}

func TestMarkAllReadPartialRollback(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(snapshotMessages("c1", "u2", 2))

	receipts := agg.MarkAllRead()
	if len(receipts) != 2 {
		t.Fatalf("receipts = %d, want 2", len(receipts))
	}
	if got := agg.View().UnreadCount; got != 0 {
		t.Fatalf("unread after markAllRead = %d, want 0", got)
	}

	// One read-receipt command failed: only that message rolls back.
	agg.Rollback(receipts[0])
	view := agg.View()
	if view.UnreadCount != 1 {
		t.Fatalf("unread after rollback = %d, want 1", view.UnreadCount)
	}
	rolled := receipts[0].MessageID
	for _, msg := range view.Messages {
		if msg.ID == rolled && msg.Status != receipts[0].Prior {
			t.Fatalf("rolled-back message status = %s, want %s", msg.Status, receipts[0].Prior)
		}
		if msg.ID != rolled && msg.Status != domain.StatusRead {
			t.Fatalf("other message status = %s, want read", msg.Status)
		}
	}
}

func TestBufferedEventAndSnapshotProduceOneCopy(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	msg := domain.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), Status: domain.StatusSent,
	}

	// The push event lands before the initial REST load finishes, so it is
	// buffered; the snapshot then contains the same message.
	agg.Ingest(domain.PushEvent{Type: domain.EventNewMessage, ConversationID: "c1", Message: &msg})
	if agg.Loaded() {
		t.Fatalf("aggregate must not be loaded before snapshot")
	}
	agg.ApplySnapshot([]domain.Message{msg})

	view := agg.View()
	if len(view.Messages) != 1 {
		t.Fatalf("messages = %d, want exactly 1 copy", len(view.Messages))
	}
	if !view.Loaded {
		t.Fatalf("aggregate should be loaded after snapshot")
	}
}

func TestBufferedReplayMatchesLiveApplication(t *testing.T) {
	newMsg := domain.Message{
		ID: "m9", ConversationID: "c1", SenderID: "u2", Body: "late",
		CreatedAt: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), Status: domain.StatusSent,
	}
	events := []domain.PushEvent{
		{Type: domain.EventNewMessage, ConversationID: "c1", Message: &newMsg},
		{Type: domain.EventDelivered, ConversationID: "c1", MessageID: "m9"},
		{Type: domain.EventReactionChanged, ConversationID: "c1", MessageID: "m9", Reactions: []domain.Reaction{{UserID: "u2", Kind: "like"}}},
		{Type: domain.EventRead, ConversationID: "c1", MessageID: "m9"},
	}
	snapshot := snapshotMessages("c1", "u2", 2)

	live := NewAggregate("c1", testLocalUser)
	live.ApplySnapshot(snapshot)
	for _, ev := range events {
		live.Ingest(ev)
	}

	buffered := NewAggregate("c1", testLocalUser)
	for _, ev := range events {
		buffered.Ingest(ev)
	}
	buffered.ApplySnapshot(snapshot)

	liveView, bufferedView := live.View(), buffered.View()
	if !reflect.DeepEqual(liveView.Messages, bufferedView.Messages) {
		t.Fatalf("buffered replay diverged from live application:\nlive:     %+v\nbuffered: %+v", liveView.Messages, bufferedView.Messages)
	}
	if liveView.UnreadCount != bufferedView.UnreadCount {
		t.Fatalf("unread diverged: live %d, buffered %d", liveView.UnreadCount, bufferedView.UnreadCount)
	}
}

func TestOptimisticSendPromotedOnAck(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(nil)

	agg.AppendLocal(domain.Message{
		ID: "local:abc", ClientMsgID: "abc", ConversationID: "c1",
		SenderID: testLocalUser, Body: "hello",
	})
	view := agg.View()
	if len(view.Messages) != 1 || view.Messages[0].Status != domain.StatusPending {
		t.Fatalf("optimistic message missing or not pending: %+v", view.Messages)
	}

	confirmed := domain.Message{
		ID: "srv-1", ClientMsgID: "abc", ConversationID: "c1",
		SenderID: testLocalUser, Body: "hello",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), Status: domain.StatusSent,
	}
	agg.Ingest(domain.PushEvent{Type: domain.EventNewMessage, ConversationID: "c1", Message: &confirmed})

	view = agg.View()
	if len(view.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 (ack must replace, not duplicate)", len(view.Messages))
	}
	got := view.Messages[0]
	if got.ID != "srv-1" || got.Status != domain.StatusSent {
		t.Fatalf("promoted message = %+v, want server id and sent status", got)
	}
}

func TestSnapshotRetainsNewerPushStatus(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(snapshotMessages("c1", "u2", 1))
	agg.Ingest(domain.PushEvent{Type: domain.EventRead, ConversationID: "c1", MessageID: "m1"})

	// A stale snapshot arrives with the old delivered status.
	stale := snapshotMessages("c1", "u2", 1)
	stale[0].Status = domain.StatusDelivered
	agg.ApplySnapshot(stale)

	if got := agg.View().Messages[0].Status; got != domain.StatusRead {
		t.Fatalf("status = %s, want read (push read must survive stale snapshot)", got)
	}
}

func TestFailedSendLifecycle(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(nil)
	agg.AppendLocal(domain.Message{ID: "local:x", ClientMsgID: "x", ConversationID: "c1", SenderID: testLocalUser, Body: "try"})

	agg.MarkSendFailed("x")
	if got := agg.View().Messages[0].Status; got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	msg, ok := agg.ResetPending("x")
	if !ok || msg.Status != domain.StatusPending {
		t.Fatalf("ResetPending = %+v, %v; want pending message", msg, ok)
	}
	if _, ok := agg.ResetPending("missing"); ok {
		t.Fatalf("ResetPending on unknown id should fail")
	}
}

func TestRollbackKeepsServerConfirmedRead(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(snapshotMessages("c1", "u2", 1))

	receipts := agg.MarkAllRead()
	if len(receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(receipts))
	}

	// The server confirms the read while the receipt command is in flight;
	// the command then fails and the rollback must not regress the status.
	agg.Ingest(domain.PushEvent{Type: domain.EventRead, ConversationID: "c1", MessageID: "m1", Seq: 7})
	agg.Rollback(receipts[0])

	got := agg.View().Messages[0]
	if got.Status != domain.StatusRead {
		t.Fatalf("status = %s, want read (confirmed read must survive rollback)", got.Status)
	}
	if got.StatusSeq != 7 {
		t.Fatalf("status seq = %d, want 7", got.StatusSeq)
	}
	if unread := agg.View().UnreadCount; unread != 0 {
		t.Fatalf("unread = %d, want 0", unread)
	}
}

func TestSnapshotCorrectsChangedReaction(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(snapshotMessages("c1", "u2", 1))
	agg.Ingest(domain.PushEvent{Type: domain.EventReactionChanged, ConversationID: "c1", MessageID: "m1", Reactions: []domain.Reaction{{UserID: "u3", Kind: "heart"}}})

	// The user changed their reaction server-side; reconciliation carries
	// the current kind.
	refreshed := snapshotMessages("c1", "u2", 1)
	refreshed[0].Reactions = map[string]string{"u3": "laugh"}
	agg.ApplySnapshot(refreshed)

	if got := agg.View().Messages[0].Reactions["u3"]; got != "laugh" {
		t.Fatalf("reaction = %q, want laugh (snapshot is authoritative)", got)
	}

	// A reaction removed server-side disappears on the next refresh too.
	agg.ApplySnapshot(snapshotMessages("c1", "u2", 1))
	if reactions := agg.View().Messages[0].Reactions; len(reactions) != 0 {
		t.Fatalf("reactions = %v, want none after server-side removal", reactions)
	}
}

func TestSubscribeCoalescesToLatestView(t *testing.T) {
	agg := NewAggregate("c1", testLocalUser)
	agg.ApplySnapshot(nil)

	updates, cancel := agg.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		agg.Ingest(domain.PushEvent{Type: domain.EventNewMessage, ConversationID: "c1", Message: &domain.Message{
			ID: fmt.Sprintf("m%d", i), ConversationID: "c1", SenderID: "u2", Body: "x",
			CreatedAt: time.Date(2025, 6, 1, 12, i, 0, 0, time.UTC), Status: domain.StatusSent,
		}})
	}

	var latest domain.ConversationView
	select {
	case latest = <-updates:
	case <-time.After(time.Second):
		t.Fatalf("no update received")
	}
	if len(latest.Messages) != 3 {
		t.Fatalf("coalesced view has %d messages, want 3 (latest state)", len(latest.Messages))
	}
}
