package domain

import "time"

type DeliveryStatus string

const (
	// Local-only states for optimistic sends; never reported by the server.
	StatusPending DeliveryStatus = "pending"
	StatusFailed  DeliveryStatus = "failed"

	// Server-confirmed states, monotonic in this order.
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"

	// Terminal.
	StatusDeleted DeliveryStatus = "deleted"
)

// Rank orders the server-confirmed states so a status never regresses.
// Local-only states rank below every confirmed state; deleted is handled
// separately because it is terminal rather than ordered.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

func (s DeliveryStatus) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

type Message struct {
	ID             string            `json:"id"`
	ClientMsgID    string            `json:"client_msg_id,omitempty"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Body           string            `json:"body"`
	MetaJSON       string            `json:"meta_json,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Status         DeliveryStatus    `json:"status"`
	StatusSeq      int64             `json:"status_seq,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
}

// CloneReactions returns a copy safe to hand to subscribers.
func (m Message) CloneReactions() map[string]string {
	if len(m.Reactions) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Reactions))
	for user, kind := range m.Reactions {
		out[user] = kind
	}
	return out
}

type MessageSummary struct {
	MessageID string         `json:"message_id"`
	SenderID  string         `json:"sender_id"`
	Body      string         `json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	Status    DeliveryStatus `json:"status"`
}

type ConversationSummary struct {
	ConversationID string          `json:"conversation_id"`
	Name           string          `json:"name"`
	UnreadCount    int             `json:"unread_count"`
	LastMessage    *MessageSummary `json:"last_message,omitempty"`
}

// ConversationView is the snapshot handed to the UI layer: ordered messages,
// derived unread counter and the denormalized last-message summary.
type ConversationView struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []Message       `json:"messages"`
	UnreadCount    int             `json:"unread_count"`
	LastMessage    *MessageSummary `json:"last_message,omitempty"`
	Loaded         bool            `json:"loaded"`
}

type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
)
