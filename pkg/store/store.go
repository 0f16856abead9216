// Package store holds the conversation and message persistence ports plus
// their ScyllaDB and in-memory adapters.
package store

import (
	"context"
	"time"

	"github.com/mkhare/orgchat/pkg/model"
)

// ConversationStore owns conversation and participant rows.
type ConversationStore interface {
	// CreateDirect returns the deduplicated direct conversation for the
	// unordered pair (userA, userB), creating it if absent. Concurrent calls
	// for the same pair converge on one row; the second return reports
	// whether this call created it.
	CreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error)

	// CreateGroup creates a named conversation. The creator is always part
	// of the participant set even when missing from participantIDs.
	CreateGroup(ctx context.Context, name, creatorID string, participantIDs []string) (*model.Conversation, error)

	Get(ctx context.Context, id string) (*model.Conversation, error)

	// Rename updates a group conversation's name. Only participants may
	// rename, and direct conversations have no name to change.
	Rename(ctx context.Context, id, name, requesterID string) (*model.Conversation, error)

	// Delete removes the conversation and all attached state. Only the
	// creator may delete.
	Delete(ctx context.Context, id, requesterID string) error

	AddParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// ListForUser returns the user's conversations, most recently active
	// first (recency is maintained by the projection worker).
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)

	// TouchRecency records conversation activity for the given users' lists.
	TouchRecency(ctx context.Context, conversationID string, userIDs []string, at time.Time) error
}

// MessageStore owns the append-only message log and read cursors.
type MessageStore interface {
	// Append validates that the sender is a current participant, assigns a
	// strictly increasing id and persists the message.
	Append(ctx context.Context, conversationID, senderID, content string, typ model.MessageType) (*model.Message, error)

	// Page returns up to limit messages older than beforeID in reverse
	// chronological order. beforeID zero means "from the newest".
	Page(ctx context.Context, conversationID string, beforeID int64, limit int) ([]model.Message, error)

	// EditContent replaces a message's content. Only the original sender may
	// edit; the log structure itself never changes.
	EditContent(ctx context.Context, conversationID string, messageID int64, senderID, content string) (*model.Message, error)

	// MarkRead advances the user's read cursor to now. The cursor never
	// moves backwards; the returned time is the cursor after the call.
	MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error)

	// Unread counts messages by other senders after the user's read cursor
	// in one conversation.
	Unread(ctx context.Context, conversationID, userID string) (int64, error)

	// UnreadCount sums Unread across all the user's conversations.
	UnreadCount(ctx context.Context, userID string) (int64, error)
}
