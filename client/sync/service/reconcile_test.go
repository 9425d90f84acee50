package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"msg_client/client/sync/domain"
)

// historyServer serves canned snapshot pages and can hold responses open
// until released, which lets tests race a fetch against Close.
type historyServer struct {
	t *testing.T

	mu            sync.Mutex
	messages      map[string][]domain.Message
	conversations []domain.ConversationSummary
	hold          chan struct{}
}

func newHistoryServer(t *testing.T) (*historyServer, *httptest.Server) {
	hs := &historyServer{t: t, messages: map[string][]domain.Message{}}
	srv := httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(srv.Close)
	return hs, srv
}

func (hs *historyServer) setMessages(conversationID string, messages []domain.Message) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.messages[conversationID] = messages
}

func (hs *historyServer) setConversations(items []domain.ConversationSummary) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.conversations = items
}

func (hs *historyServer) holdResponses() chan struct{} {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.hold = make(chan struct{})
	return hs.hold
}

func (hs *historyServer) handle(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	hold := hs.hold
	hs.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if r.URL.Path == "/api/v1/conversations" {
		hs.mu.Lock()
		items := hs.conversations
		hs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(paginatedConversations{Items: items})
		return
	}
	conversationID, ok := conversationIDFromPath(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	hs.mu.Lock()
	items := hs.messages[conversationID]
	hs.mu.Unlock()
	_ = json.NewEncoder(w).Encode(paginatedMessages{Items: items})
}

// conversationIDFromPath parses /api/v1/conversations/<id>/messages.
func conversationIDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/v1/conversations/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/messages")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func TestRefreshAppliesSnapshotAndDrainsBuffer(t *testing.T) {
	hs, srv := newHistoryServer(t)
	hs.setMessages("c1", snapshotMessages("c1", "peer", 2))

	convs := NewConversationSet(testLocalUser)
	agg, _ := convs.Open("c1")
	// Event raced in before the snapshot landed.
	agg.Ingest(domain.PushEvent{Type: domain.EventRead, ConversationID: "c1", MessageID: "m1", Seq: 5})

	recon := NewReconciler(NewHistoryClient(srv.URL), convs, 0)
	recon.Refresh("c1")

	waitFor(t, 2*time.Second, func() bool { return agg.View().Loaded })
	view := agg.View()
	if len(view.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(view.Messages))
	}
	if view.Messages[0].Status != domain.StatusRead {
		t.Fatalf("buffered read not applied after snapshot, status = %s", view.Messages[0].Status)
	}
	if view.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", view.UnreadCount)
	}
}

func TestCloseDiscardsLateSnapshot(t *testing.T) {
	hs, srv := newHistoryServer(t)
	hs.setMessages("c1", snapshotMessages("c1", "peer", 3))
	release := hs.holdResponses()

	convs := NewConversationSet(testLocalUser)
	agg, _ := convs.Open("c1")

	recon := NewReconciler(NewHistoryClient(srv.URL), convs, 0)
	recon.Refresh("c1")

	// Close while the response is still held open on the server.
	recon.Cancel("c1")
	convs.Close("c1")
	close(release)

	time.Sleep(50 * time.Millisecond)
	if agg.View().Loaded {
		t.Fatalf("snapshot applied to a closed conversation")
	}
	if _, ok := convs.Lookup("c1"); ok {
		t.Fatalf("conversation still registered after close")
	}
}

func TestRefreshReplacesInflightFetch(t *testing.T) {
	hs, srv := newHistoryServer(t)
	hs.setMessages("c1", snapshotMessages("c1", "peer", 1))
	release := hs.holdResponses()

	convs := NewConversationSet(testLocalUser)
	agg, _ := convs.Open("c1")

	recon := NewReconciler(NewHistoryClient(srv.URL), convs, 0)
	recon.Refresh("c1")
	recon.Refresh("c1")
	close(release)

	waitFor(t, 2*time.Second, func() bool { return agg.View().Loaded })
	if got := len(agg.View().Messages); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
}

func TestRefreshAllCoversSummariesAndOpenConversations(t *testing.T) {
	hs, srv := newHistoryServer(t)
	hs.setConversations([]domain.ConversationSummary{
		{ConversationID: "c1", UnreadCount: 4},
		{ConversationID: "c2", UnreadCount: 1},
	})
	hs.setMessages("c1", snapshotMessages("c1", "peer", 2))

	convs := NewConversationSet(testLocalUser)
	agg, _ := convs.Open("c1")

	recon := NewReconciler(NewHistoryClient(srv.URL), convs, 0)
	recon.RefreshAll()

	waitFor(t, 2*time.Second, func() bool { return agg.View().Loaded })
	waitFor(t, 2*time.Second, func() bool { return len(convs.Summaries()) == 2 })

	summaries := convs.Summaries()
	byID := map[string]domain.ConversationSummary{}
	for _, s := range summaries {
		byID[s.ConversationID] = s
	}
	// The open conversation reports its live derived unread count, not the
	// fetched summary value.
	if got := byID["c1"].UnreadCount; got != 2 {
		t.Fatalf("c1 unread = %d, want 2 (derived from live messages)", got)
	}
	if got := byID["c2"].UnreadCount; got != 1 {
		t.Fatalf("c2 unread = %d, want 1", got)
	}
}
