package service

import (
	"context"
	"sync"

	commonlog "msg_client/client/common/log"
)

const defaultSnapshotPageSize = 50

// Reconciler re-synchronizes open conversations against the REST collaborator
// on connect, reconnect or an explicit staleness signal: fetch the latest
// page, merge it into the aggregate, then let the aggregate drain its pending
// event buffer. Each conversation reconciles independently; closing the view
// cancels its in-flight fetch and a late result is simply discarded.
type Reconciler struct {
	history  *HistoryClient
	convs    *ConversationSet
	pageSize int

	mu       sync.Mutex
	inflight map[string]*fetchHandle
}

type fetchHandle struct {
	cancel context.CancelFunc
}

func NewReconciler(history *HistoryClient, convs *ConversationSet, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = defaultSnapshotPageSize
	}
	return &Reconciler{
		history:  history,
		convs:    convs,
		pageSize: pageSize,
		inflight: map[string]*fetchHandle{},
	}
}

// Refresh starts an asynchronous snapshot fetch for one conversation,
// replacing any fetch already in flight for it.
func (r *Reconciler) Refresh(conversationID string) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &fetchHandle{cancel: cancel}
	r.mu.Lock()
	if prev, ok := r.inflight[conversationID]; ok {
		prev.cancel()
	}
	r.inflight[conversationID] = handle
	r.mu.Unlock()

	go r.fetch(ctx, handle, conversationID)
}

// RefreshAll refreshes the conversation-list summaries and every open
// conversation. Called on each connected transition.
func (r *Reconciler) RefreshAll() {
	go func() {
		items, _, err := r.history.ListConversations(context.Background(), 0, "")
		if err != nil {
			commonlog.Warnf("event=reconcile action=list_conversations status=failed error=%v", err)
		} else {
			r.convs.ApplySummaries(items)
		}
	}()
	for _, conversationID := range r.convs.OpenIDs() {
		r.Refresh(conversationID)
	}
}

// Cancel drops the in-flight fetch for a conversation, typically because its
// view closed. The fetch result, if it arrives late, is discarded.
func (r *Reconciler) Cancel(conversationID string) {
	r.mu.Lock()
	if handle, ok := r.inflight[conversationID]; ok {
		handle.cancel()
		delete(r.inflight, conversationID)
	}
	r.mu.Unlock()
}

func (r *Reconciler) CancelAll() {
	r.mu.Lock()
	for id, handle := range r.inflight {
		handle.cancel()
		delete(r.inflight, id)
	}
	r.mu.Unlock()
}

func (r *Reconciler) fetch(ctx context.Context, handle *fetchHandle, conversationID string) {
	defer r.clear(conversationID, handle)

	messages, _, err := r.history.ListMessages(ctx, conversationID, r.pageSize, "")
	if err != nil {
		if ctx.Err() != nil {
			commonlog.Debugf("event=reconcile action=fetch status=cancelled conversation_id=%s", conversationID)
			return
		}
		commonlog.Warnf("event=reconcile action=fetch status=failed conversation_id=%s error=%v", conversationID, err)
		return
	}
	if ctx.Err() != nil {
		// Cancelled while the response was in flight; the conversation may
		// already be closed, or a newer refresh supersedes this one.
		return
	}
	agg, ok := r.convs.Lookup(conversationID)
	if !ok {
		commonlog.Debugf("event=reconcile action=apply status=discarded conversation_id=%s reason=closed", conversationID)
		return
	}
	agg.ApplySnapshot(messages)
	commonlog.Infof("event=reconcile action=apply status=ok conversation_id=%s message_count=%d", conversationID, len(messages))
}

// clear removes the inflight entry only if it still belongs to this fetch;
// a newer Refresh may have replaced it already.
func (r *Reconciler) clear(conversationID string, handle *fetchHandle) {
	r.mu.Lock()
	if current, ok := r.inflight[conversationID]; ok && current == handle {
		delete(r.inflight, conversationID)
	}
	r.mu.Unlock()
}
