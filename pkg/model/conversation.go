package model

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"` // empty for direct conversations
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Participant is the membership edge between a user and a conversation.
// LastReadAt is the user's read cursor and never moves backwards.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// PairKey returns the canonical direct-conversation key for two users.
// The lexically smaller id always comes first so the pair is order-independent.
func PairKey(userA, userB string) (lo, hi string) {
	if userA > userB {
		return userB, userA
	}
	return userA, userB
}
