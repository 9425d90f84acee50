package domain

// EventType tags inbound push events. The values match the backend's wire
// protocol and are identical across the websocket and AMQP transports.
type EventType string

const (
	EventNewMessage      EventType = "message:new"
	EventDelivered       EventType = "message:delivered"
	EventRead            EventType = "message:read"
	EventReactionChanged EventType = "message:reaction"
	EventDeleted         EventType = "message:deleted"
)

type Reaction struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

// PushEvent is the tagged envelope for every inbound push event. Seq is a
// per-message monotonically increasing sequence number; zero means the
// backend did not supply one and the event is treated as idempotent by
// target state instead.
type PushEvent struct {
	Type           EventType  `json:"type"`
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Seq            int64      `json:"seq,omitempty"`
	Message        *Message   `json:"message,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
}

// CommandType tags outbound commands written to the push connection.
type CommandType string

const (
	CommandJoin  CommandType = "room:join"
	CommandLeave CommandType = "room:leave"
	CommandSend  CommandType = "message:send"
	CommandRead  CommandType = "message:read"
)

type Command struct {
	Type           CommandType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id,omitempty"`
	ClientMsgID    string      `json:"client_msg_id,omitempty"`
	Body           string      `json:"body,omitempty"`
	MetaJSON       string      `json:"meta_json,omitempty"`
}
