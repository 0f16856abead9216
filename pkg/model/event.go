package model

import "time"

// EventKind enumerates every outbound real-time event. Dispatch is always a
// switch over these constants, never a comparison against raw strings.
type EventKind string

const (
	EventNewMessage          EventKind = "new_message"
	EventUserJoined          EventKind = "user_joined"
	EventUserLeft            EventKind = "user_left"
	EventUserTyping          EventKind = "user_typing"
	EventMessageDelivered    EventKind = "message_delivered"
	EventMessageRead         EventKind = "message_read"
	EventUserStatusChanged   EventKind = "user_status_changed"
	EventConversationCreated EventKind = "conversation_created"
	EventParticipantAdded    EventKind = "participant_added"
	EventParticipantRemoved  EventKind = "participant_removed"
	EventConversationUpdated EventKind = "conversation_updated"
	EventConversationDeleted EventKind = "conversation_deleted"
)

// Event is the single envelope that travels over the bus and down to clients.
// Exactly one routing target applies: TargetUserID when set, otherwise the
// room identified by ConversationID.
type Event struct {
	Kind           EventKind     `json:"kind"`
	ConversationID string        `json:"conversation_id,omitempty"`
	ActorID        string        `json:"actor_id,omitempty"`
	TargetUserID   string        `json:"target_user_id,omitempty"`
	UserID         string        `json:"user_id,omitempty"` // subject of membership/presence deltas
	MessageID      int64         `json:"message_id,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Status         Status        `json:"status,omitempty"`
	Typing         bool          `json:"typing,omitempty"`
	// ExcludeUserID suppresses delivery to the named user's connections on
	// every gateway, e.g. a typing sender never sees their own indicator.
	ExcludeUserID string    `json:"exclude_user_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RoutingKey is the bus partition key. Room events share a partition per
// conversation so per-room order survives the broker hop; user-directed
// events share a partition per recipient.
func (e *Event) RoutingKey() string {
	if e.TargetUserID != "" {
		return "user:" + e.TargetUserID
	}
	return "conv:" + e.ConversationID
}

// OpKind enumerates every inbound operation a connected client may issue.
type OpKind string

const (
	OpJoinConversation  OpKind = "join_conversation"
	OpLeaveConversation OpKind = "leave_conversation"
	OpTypingStart       OpKind = "typing_start"
	OpTypingStop        OpKind = "typing_stop"
	OpMessageDelivered  OpKind = "message_delivered"
	OpMessageRead       OpKind = "message_read"
	OpStatusUpdate      OpKind = "status_update"
)

// ClientOp is the inbound wire frame on a websocket connection.
type ClientOp struct {
	Op             OpKind `json:"op"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
	Status         Status `json:"status,omitempty"`
}
