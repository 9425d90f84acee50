package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	commonlog "msg_client/client/common/log"
	"msg_client/client/sync/domain"
)

// CommandWriter is the single outbound path to the push connection.
type CommandWriter interface {
	WriteCommand(cmd domain.Command) error
}

// RoomTracker keeps the set of conversation rooms this session wants to be
// in. The wanted set is the single source of truth; join/leave commands on
// the wire are a side effect. The joined set tracks what was issued in the
// current connection epoch so each room is joined at most once per epoch,
// and reconnecting just replays the wanted set.
type RoomTracker struct {
	mu     sync.Mutex
	wanted map[string]struct{}
	joined map[string]struct{}
	writer CommandWriter
	store  *RoomStore
}

func NewRoomTracker(writer CommandWriter, store *RoomStore) *RoomTracker {
	return &RoomTracker{
		wanted: map[string]struct{}{},
		joined: map[string]struct{}{},
		writer: writer,
		store:  store,
	}
}

// Join marks the conversation as wanted and, when connected, issues the join
// command. If the connection is down the membership is queued and issued on
// the next connected transition.
func (t *RoomTracker) Join(ctx context.Context, conversationID string) {
	t.mu.Lock()
	t.wanted[conversationID] = struct{}{}
	_, alreadyJoined := t.joined[conversationID]
	if !alreadyJoined {
		if err := t.writer.WriteCommand(domain.Command{Type: domain.CommandJoin, ConversationID: conversationID}); err == nil {
			t.joined[conversationID] = struct{}{}
		}
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Add(ctx, conversationID); err != nil {
			commonlog.Warnf("event=room_tracker action=persist status=failed conversation_id=%s error=%v", conversationID, err)
		}
	}
}

func (t *RoomTracker) Leave(ctx context.Context, conversationID string) {
	t.mu.Lock()
	delete(t.wanted, conversationID)
	if _, ok := t.joined[conversationID]; ok {
		delete(t.joined, conversationID)
		_ = t.writer.WriteCommand(domain.Command{Type: domain.CommandLeave, ConversationID: conversationID})
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Remove(ctx, conversationID); err != nil {
			commonlog.Warnf("event=room_tracker action=persist status=failed conversation_id=%s error=%v", conversationID, err)
		}
	}
}

// RejoinAll starts a fresh connection epoch and replays the wanted set,
// issuing exactly one join per room.
func (t *RoomTracker) RejoinAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = map[string]struct{}{}
	for conversationID := range t.wanted {
		if err := t.writer.WriteCommand(domain.Command{Type: domain.CommandJoin, ConversationID: conversationID}); err != nil {
			commonlog.Warnf("event=room_tracker action=rejoin status=failed conversation_id=%s error=%v", conversationID, err)
			continue
		}
		t.joined[conversationID] = struct{}{}
	}
}

func (t *RoomTracker) Wanted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.wanted))
	for id := range t.wanted {
		ids = append(ids, id)
	}
	return ids
}

// RoomStore persists the wanted-room set so an edge daemon restart reopens
// the same conversations. Optional; a nil store disables persistence.
type RoomStore struct {
	redis *redis.Client
	key   string
}

func NewRoomStore(client *redis.Client, userID string) *RoomStore {
	return &RoomStore{redis: client, key: fmt.Sprintf("sync:rooms:%s", userID)}
}

func (s *RoomStore) Add(ctx context.Context, conversationID string) error {
	return s.redis.SAdd(ctx, s.key, conversationID).Err()
}

func (s *RoomStore) Remove(ctx context.Context, conversationID string) error {
	return s.redis.SRem(ctx, s.key, conversationID).Err()
}

func (s *RoomStore) Load(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, s.key).Result()
}
