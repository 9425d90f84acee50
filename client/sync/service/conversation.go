package service

import (
	"sort"
	"sync"
	"time"

	commonlog "msg_client/client/common/log"
	"msg_client/client/sync/domain"
)

// Aggregate holds one conversation's reconciled state: the ordered message
// sequence, the derived unread counter and the last-message summary. It is
// the single writer for its conversation; the router and the reconciler both
// serialize through its mutex.
//
// Until the initial REST snapshot lands, inbound push events are parked in a
// per-conversation pending buffer and replayed in arrival order afterwards.
type Aggregate struct {
	mu             sync.Mutex
	conversationID string
	localUserID    string

	loaded   bool
	messages []*domain.Message
	byID     map[string]*domain.Message
	byClient map[string]*domain.Message
	buffer   []domain.PushEvent

	unread      int
	lastMessage *domain.MessageSummary

	subs    map[int]chan domain.ConversationView
	nextSub int
}

func NewAggregate(conversationID, localUserID string) *Aggregate {
	return &Aggregate{
		conversationID: conversationID,
		localUserID:    localUserID,
		byID:           map[string]*domain.Message{},
		byClient:       map[string]*domain.Message{},
		subs:           map[int]chan domain.ConversationView{},
	}
}

func (a *Aggregate) ConversationID() string {
	return a.conversationID
}

func (a *Aggregate) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

// Ingest applies one push event, or buffers it while the initial snapshot is
// still outstanding. Buffering instead of dropping is what closes the load
// race window.
func (a *Aggregate) Ingest(ev domain.PushEvent) {
	a.mu.Lock()
	if !a.loaded {
		a.buffer = append(a.buffer, ev)
		a.mu.Unlock()
		return
	}
	a.applyEventLocked(ev)
	a.recomputeLocked()
	a.mu.Unlock()
	a.notify()
}

// ApplySnapshot merges a REST-fetched page and then drains the pending
// buffer in arrival order, both under one critical section so no event can
// interleave between the two phases. Snapshot merge is idempotent by message
// identifier and buffered events no-op on duplicates, so replay after merge
// cannot double-apply.
func (a *Aggregate) ApplySnapshot(messages []domain.Message) {
	a.mu.Lock()
	for i := range messages {
		a.mergeSnapshotMessageLocked(messages[i])
	}
	buffered := a.buffer
	a.buffer = nil
	a.loaded = true
	for _, ev := range buffered {
		a.applyEventLocked(ev)
	}
	a.recomputeLocked()
	a.mu.Unlock()
	a.notify()
}

func (a *Aggregate) applyEventLocked(ev domain.PushEvent) {
	switch ev.Type {
	case domain.EventNewMessage:
		if ev.Message == nil {
			return
		}
		a.applyNewLocked(*ev.Message)
	case domain.EventDelivered:
		if msg, ok := a.byID[ev.MessageID]; ok {
			applyStatusTransition(msg, domain.StatusDelivered, ev.Seq)
		}
	case domain.EventRead:
		if msg, ok := a.byID[ev.MessageID]; ok {
			applyStatusTransition(msg, domain.StatusRead, ev.Seq)
		}
	case domain.EventReactionChanged:
		if msg, ok := a.byID[ev.MessageID]; ok {
			applyReactions(msg, ev.Reactions)
		}
	case domain.EventDeleted:
		if msg, ok := a.byID[ev.MessageID]; ok {
			applyDeleted(msg, ev.Seq)
		}
	default:
		commonlog.Debugf("event=conversation action=apply status=skipped conversation_id=%s type=%s", a.conversationID, ev.Type)
	}
}

func (a *Aggregate) applyNewLocked(incoming domain.Message) {
	if incoming.ID == "" {
		return
	}
	if _, ok := a.byID[incoming.ID]; ok {
		// Already known, either from a snapshot or an earlier event.
		return
	}
	if incoming.Status == "" {
		incoming.Status = domain.StatusSent
	}
	if incoming.ClientMsgID != "" {
		if local, ok := a.byClient[incoming.ClientMsgID]; ok {
			a.promoteLocalLocked(local, incoming)
			return
		}
	}
	a.insertLocked(&incoming)
}

// promoteLocalLocked resolves an optimistic send: the temporary local record
// takes on the server identifier, timestamp and confirmed status.
func (a *Aggregate) promoteLocalLocked(local *domain.Message, confirmed domain.Message) {
	a.removeLocked(local)
	delete(a.byID, local.ID)

	local.ID = confirmed.ID
	local.CreatedAt = confirmed.CreatedAt
	local.Status = confirmed.Status
	local.StatusSeq = confirmed.StatusSeq
	if confirmed.Body != "" {
		local.Body = confirmed.Body
	}
	if confirmed.MetaJSON != "" {
		local.MetaJSON = confirmed.MetaJSON
	}
	a.insertLocked(local)
}

func (a *Aggregate) mergeSnapshotMessageLocked(incoming domain.Message) {
	if incoming.ID == "" {
		return
	}
	if incoming.Status == "" {
		incoming.Status = domain.StatusSent
	}
	if existing, ok := a.byID[incoming.ID]; ok {
		// Server record wins for content and reactions, but a strictly newer
		// local status already applied by a push event is retained. Reaction
		// events that raced in during the load are buffered and replay after
		// the merge, so they land on top of the snapshot map.
		existing.Body = incoming.Body
		existing.MetaJSON = incoming.MetaJSON
		existing.SenderID = incoming.SenderID
		mergeSnapshotStatus(existing, &incoming)
		existing.Reactions = incoming.CloneReactions()
		return
	}
	if incoming.ClientMsgID != "" {
		if local, ok := a.byClient[incoming.ClientMsgID]; ok {
			a.promoteLocalLocked(local, incoming)
			return
		}
	}
	a.insertLocked(&incoming)
}

// insertLocked places msg at its ordered position: creation time, message
// identifier as tiebreak.
func (a *Aggregate) insertLocked(msg *domain.Message) {
	idx := sort.Search(len(a.messages), func(i int) bool {
		other := a.messages[i]
		if !other.CreatedAt.Equal(msg.CreatedAt) {
			return other.CreatedAt.After(msg.CreatedAt)
		}
		return other.ID > msg.ID
	})
	a.messages = append(a.messages, nil)
	copy(a.messages[idx+1:], a.messages[idx:])
	a.messages[idx] = msg

	a.byID[msg.ID] = msg
	if msg.ClientMsgID != "" {
		a.byClient[msg.ClientMsgID] = msg
	}
}

func (a *Aggregate) removeLocked(msg *domain.Message) {
	for i, m := range a.messages {
		if m == msg {
			a.messages = append(a.messages[:i], a.messages[i+1:]...)
			return
		}
	}
}

// AppendLocal inserts an optimistic pending message authored by the local
// user. The caller assigns the temporary identifier.
func (a *Aggregate) AppendLocal(msg domain.Message) {
	a.mu.Lock()
	msg.Status = domain.StatusPending
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	a.insertLocked(&msg)
	a.recomputeLocked()
	a.mu.Unlock()
	a.notify()
}

// SetLocalMeta attaches upload metadata to an optimistic message once its
// attachment lands in object storage.
func (a *Aggregate) SetLocalMeta(clientMsgID, metaJSON string) {
	a.mu.Lock()
	if msg, ok := a.byClient[clientMsgID]; ok && !msg.Status.Confirmed() {
		msg.MetaJSON = metaJSON
	}
	a.mu.Unlock()
}

// MarkSendFailed flips an optimistic message to the local failed state;
// retry is a user-initiated action.
func (a *Aggregate) MarkSendFailed(clientMsgID string) {
	a.mu.Lock()
	if msg, ok := a.byClient[clientMsgID]; ok && !msg.Status.Confirmed() {
		msg.Status = domain.StatusFailed
	}
	a.mu.Unlock()
	a.notify()
}

// ResetPending returns a failed optimistic message to pending ahead of a
// user-initiated retry. It reports the message so the caller can re-issue
// the send command.
func (a *Aggregate) ResetPending(clientMsgID string) (domain.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, ok := a.byClient[clientMsgID]
	if !ok || msg.Status != domain.StatusFailed {
		return domain.Message{}, false
	}
	msg.Status = domain.StatusPending
	return *msg, true
}

// ReadReceipt records the prior status and sequence of a message
// optimistically marked read, so a failed read-receipt command can roll back
// just that message.
type ReadReceipt struct {
	MessageID string
	Prior     domain.DeliveryStatus
	PriorSeq  int64
}

// MarkAllRead optimistically transitions every unread message from another
// author to read and returns one receipt per affected message.
func (a *Aggregate) MarkAllRead() []ReadReceipt {
	a.mu.Lock()
	var receipts []ReadReceipt
	for _, msg := range a.messages {
		if msg.SenderID == a.localUserID {
			continue
		}
		if msg.Status != domain.StatusSent && msg.Status != domain.StatusDelivered {
			continue
		}
		receipts = append(receipts, ReadReceipt{MessageID: msg.ID, Prior: msg.Status, PriorSeq: msg.StatusSeq})
		msg.Status = domain.StatusRead
	}
	a.recomputeLocked()
	a.mu.Unlock()
	if len(receipts) > 0 {
		a.notify()
	}
	return receipts
}

// Rollback undoes one optimistic read transition. It only applies while the
// message still carries the optimistic value; a server-confirmed read that
// raced in advances StatusSeq past the receipt snapshot and stays.
func (a *Aggregate) Rollback(receipt ReadReceipt) {
	a.mu.Lock()
	if msg, ok := a.byID[receipt.MessageID]; ok && msg.Status == domain.StatusRead && msg.StatusSeq == receipt.PriorSeq {
		msg.Status = receipt.Prior
	}
	a.recomputeLocked()
	a.mu.Unlock()
	a.notify()
}

// recomputeLocked derives the unread counter and last-message summary from
// the message set. The counter is never mutated independently, which is what
// keeps it drift-free.
func (a *Aggregate) recomputeLocked() {
	unread := 0
	var last *domain.Message
	for _, msg := range a.messages {
		if msg.Status == domain.StatusDeleted {
			continue
		}
		if msg.SenderID != a.localUserID && msg.Status != domain.StatusRead {
			unread++
		}
		last = msg
	}
	a.unread = unread
	if last == nil {
		a.lastMessage = nil
		return
	}
	a.lastMessage = &domain.MessageSummary{
		MessageID: last.ID,
		SenderID:  last.SenderID,
		Body:      last.Body,
		CreatedAt: last.CreatedAt,
		Status:    last.Status,
	}
}

func (a *Aggregate) View() domain.ConversationView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewLocked()
}

func (a *Aggregate) viewLocked() domain.ConversationView {
	view := domain.ConversationView{
		ConversationID: a.conversationID,
		Messages:       make([]domain.Message, 0, len(a.messages)),
		UnreadCount:    a.unread,
		Loaded:         a.loaded,
	}
	for _, msg := range a.messages {
		copied := *msg
		copied.Reactions = msg.CloneReactions()
		view.Messages = append(view.Messages, copied)
	}
	if a.lastMessage != nil {
		summary := *a.lastMessage
		view.LastMessage = &summary
	}
	return view
}

// Subscribe registers a view feed. The channel holds the latest view only;
// a slow consumer sees coalesced updates, never a backlog.
func (a *Aggregate) Subscribe() (<-chan domain.ConversationView, func()) {
	ch := make(chan domain.ConversationView, 1)
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if _, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(ch)
		}
		a.mu.Unlock()
	}
	return ch, cancel
}

func (a *Aggregate) notify() {
	a.mu.Lock()
	view := a.viewLocked()
	for _, ch := range a.subs {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
	a.mu.Unlock()
}

// closeSubscribers is called when the conversation view closes for good.
func (a *Aggregate) closeSubscribers() {
	a.mu.Lock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	a.mu.Unlock()
}
