package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	commonauth "msg_client/client/common/auth"
	commonlog "msg_client/client/common/log"
	"msg_client/client/sync/domain"
)

// EngineOptions carries the optional collaborators. A nil Redis client
// disables send idempotency and room persistence; a nil AttachmentStore
// rejects attachment sends.
type EngineOptions struct {
	Attachments      *AttachmentStore
	Redis            *redis.Client
	SnapshotPageSize int
}

// Engine is the per-session facade over the synchronization core. It owns
// the connection manager, room tracker, router, reconciler and the open
// conversation aggregates, and is what the UI layer talks to.
type Engine struct {
	conn    *ConnectionManager
	history *HistoryClient
	opts    EngineOptions

	mu          sync.Mutex
	started     bool
	localUserID string
	tenantID    string
	pumpCancel  context.CancelFunc
	handlerOnce sync.Once

	convs  *ConversationSet
	router *Router
	rooms  *RoomTracker
	recon  *Reconciler
	guard  *SendGuard
}

func NewEngine(conn *ConnectionManager, history *HistoryClient, opts EngineOptions) *Engine {
	return &Engine{conn: conn, history: history, opts: opts}
}

// Start authenticates the session token, wires the components and connects.
// An expired or malformed token fails here, before any dial happens.
func (e *Engine) Start(ctx context.Context, sessionToken string) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	claims, err := commonauth.UnverifiedClaims(sessionToken)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	e.localUserID = claims.UserID
	e.tenantID = claims.TenantID
	e.convs = NewConversationSet(claims.UserID)
	e.router = NewRouter(e.convs)
	var roomStore *RoomStore
	if e.opts.Redis != nil {
		roomStore = NewRoomStore(e.opts.Redis, claims.UserID)
		e.guard = NewSendGuard(e.opts.Redis)
	}
	e.rooms = NewRoomTracker(e.conn, roomStore)
	e.recon = NewReconciler(e.history, e.convs, e.opts.SnapshotPageSize)
	e.history.SetToken(sessionToken)

	pumpCtx, cancel := context.WithCancel(context.Background())
	e.pumpCancel = cancel
	e.started = true
	e.mu.Unlock()

	// Registered once per engine; a retried Start must not stack a second
	// handler and double the rejoin per connected transition.
	e.handlerOnce.Do(func() {
		e.conn.OnStateChange(func(state domain.ConnState) {
			commonlog.Infof("event=engine action=conn_state state=%s user_id=%s", state, e.LocalUserID())
			if state == domain.ConnConnected {
				e.rooms.RejoinAll()
				e.recon.RefreshAll()
			}
		})
	})
	go e.pump(pumpCtx)

	if err := e.conn.Connect(ctx, sessionToken); err != nil {
		// The session never came up; unwind so a retry with a fresh token
		// can start over.
		cancel()
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	if roomStore != nil {
		ids, err := roomStore.Load(ctx)
		if err != nil {
			commonlog.Warnf("event=engine action=restore_rooms status=failed error=%v", err)
		} else {
			for _, conversationID := range ids {
				e.OpenConversation(ctx, conversationID)
			}
		}
	}
	return nil
}

// pump moves inbound events from the connection into the router. One pump
// per session; per-conversation ordering is arrival order here.
func (e *Engine) pump(ctx context.Context) {
	events := e.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.router.Route(ev)
		}
	}
}

func (e *Engine) ConnState() domain.ConnState {
	return e.conn.State()
}

func (e *Engine) LocalUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localUserID
}

// OpenConversation registers the view: aggregate created (fresh on reopen),
// room joined, initial snapshot fetch started.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) {
	if !e.isStarted() {
		return
	}
	_, created := e.convs.Open(conversationID)
	e.rooms.Join(ctx, conversationID)
	if created {
		e.recon.Refresh(conversationID)
	}
}

// CloseConversation drops the view: room left, in-flight reconciliation
// cancelled (its late result discarded), aggregate destroyed.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) {
	if !e.isStarted() {
		return
	}
	e.rooms.Leave(ctx, conversationID)
	e.recon.Cancel(conversationID)
	e.convs.Close(conversationID)
}

func (e *Engine) View(conversationID string) (domain.ConversationView, error) {
	agg, ok := e.lookup(conversationID)
	if !ok {
		return domain.ConversationView{}, ErrConversationNotOpen
	}
	return agg.View(), nil
}

func (e *Engine) Subscribe(conversationID string) (<-chan domain.ConversationView, func(), error) {
	agg, ok := e.lookup(conversationID)
	if !ok {
		return nil, nil, ErrConversationNotOpen
	}
	ch, cancel := agg.Subscribe()
	return ch, cancel, nil
}

func (e *Engine) Conversations() []domain.ConversationSummary {
	if !e.isStarted() {
		return nil
	}
	return e.convs.Summaries()
}

// RefreshConversations is the explicit staleness signal for the list view.
func (e *Engine) RefreshConversations() {
	if e.isStarted() {
		e.recon.RefreshAll()
	}
}

// SendMessage inserts an optimistic pending message and issues the send
// command. The returned message carries the temporary identifier; the
// acknowledgment event resolves it to the server identifier. A failure marks
// just that message failed; retry is user-initiated via RetrySend.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body, attachmentPath string) (domain.Message, error) {
	agg, ok := e.lookup(conversationID)
	if !ok {
		return domain.Message{}, ErrConversationNotOpen
	}
	if body == "" && attachmentPath == "" {
		return domain.Message{}, fmt.Errorf("message body is empty")
	}

	clientMsgID := newClientMsgID()
	msg := domain.Message{
		ID:             "local:" + clientMsgID,
		ClientMsgID:    clientMsgID,
		ConversationID: conversationID,
		SenderID:       e.LocalUserID(),
		Body:           body,
	}
	agg.AppendLocal(msg)

	if attachmentPath != "" {
		if e.opts.Attachments == nil {
			agg.MarkSendFailed(clientMsgID)
			return msg, fmt.Errorf("%w: attachment store is not configured", ErrSendFailed)
		}
		meta, err := e.opts.Attachments.Upload(ctx, conversationID, attachmentPath)
		if err != nil {
			agg.MarkSendFailed(clientMsgID)
			return msg, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		msg.MetaJSON = buildAttachmentMeta(meta)
		agg.SetLocalMeta(clientMsgID, msg.MetaJSON)
	}

	reserved, err := e.guard.Reserve(ctx, conversationID, e.LocalUserID(), clientMsgID)
	if err != nil {
		commonlog.Warnf("event=engine action=send_guard status=failed conversation_id=%s error=%v", conversationID, err)
	} else if !reserved {
		agg.MarkSendFailed(clientMsgID)
		return msg, ErrDuplicateSend
	}

	if err := e.writeSend(conversationID, clientMsgID, body, msg.MetaJSON); err != nil {
		agg.MarkSendFailed(clientMsgID)
		e.guard.Release(ctx, conversationID, e.LocalUserID(), clientMsgID)
		return msg, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return msg, nil
}

// RetrySend re-issues a failed optimistic message. No-op unless the message
// is in the failed state.
func (e *Engine) RetrySend(ctx context.Context, conversationID, clientMsgID string) error {
	agg, ok := e.lookup(conversationID)
	if !ok {
		return ErrConversationNotOpen
	}
	msg, ok := agg.ResetPending(clientMsgID)
	if !ok {
		return ErrMessageNotFound
	}
	if err := e.writeSend(conversationID, clientMsgID, msg.Body, msg.MetaJSON); err != nil {
		agg.MarkSendFailed(clientMsgID)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// MarkAllRead optimistically reads every unread foreign message and issues
// one read-receipt command per message. A command that fails rolls back only
// its own message.
func (e *Engine) MarkAllRead(ctx context.Context, conversationID string) error {
	agg, ok := e.lookup(conversationID)
	if !ok {
		return ErrConversationNotOpen
	}
	receipts := agg.MarkAllRead()
	var errs []error
	for _, receipt := range receipts {
		cmd := domain.Command{
			Type:           domain.CommandRead,
			ConversationID: conversationID,
			MessageID:      receipt.MessageID,
		}
		if err := e.conn.WriteCommand(cmd); err != nil {
			agg.Rollback(receipt)
			errs = append(errs, fmt.Errorf("read receipt %s: %w", receipt.MessageID, err))
		}
	}
	return errors.Join(errs...)
}

// Close ends the session: connection torn down, reconciliations cancelled.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.pumpCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.recon.CancelAll()
	e.conn.Disconnect()
}

func (e *Engine) writeSend(conversationID, clientMsgID, body, metaJSON string) error {
	return e.conn.WriteCommand(domain.Command{
		Type:           domain.CommandSend,
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Body:           body,
		MetaJSON:       metaJSON,
	})
}

func (e *Engine) lookup(conversationID string) (*Aggregate, bool) {
	if !e.isStarted() {
		return nil, false
	}
	return e.convs.Lookup(conversationID)
}

func (e *Engine) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func buildAttachmentMeta(meta AttachmentMeta) string {
	b, _ := json.Marshal(map[string]any{"attachment": meta})
	return string(b)
}

func newClientMsgID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("cmid-%x", buf)
	}
	return hex.EncodeToString(buf)
}
