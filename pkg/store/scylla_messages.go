package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/mkhare/orgchat/pkg/metrics"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/snowflake"
)

func (s *Scylla) Append(ctx context.Context, conversationID, senderID, content string, typ model.MessageType) (*model.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if typ == "" {
		typ = model.MessageText
	}

	member, err := s.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("%w: sender %s", ErrNotParticipant, senderID)
	}

	uid, _ := gocql.ParseUUID(conversationID)
	id := s.node.Generate()
	msg := &model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		CreatedAt:      snowflake.TimeOf(id),
	}

	if err := s.session.Query(
		`INSERT INTO messages (conversation_id, id, sender_id, content, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uid, msg.ID, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	metrics.MessagesAppended.Inc()
	return msg, nil
}

func (s *Scylla) Page(ctx context.Context, conversationID string, beforeID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	var iter *gocql.Iter
	if beforeID > 0 {
		iter = s.session.Query(
			`SELECT id, sender_id, content, type, created_at FROM messages WHERE conversation_id = ? AND id < ? LIMIT ?`,
			uid, beforeID, limit,
		).WithContext(ctx).Iter()
	} else {
		iter = s.session.Query(
			`SELECT id, sender_id, content, type, created_at FROM messages WHERE conversation_id = ? LIMIT ?`,
			uid, limit,
		).WithContext(ctx).Iter()
	}

	var out []model.Message
	var m model.Message
	var typ string
	for iter.Scan(&m.ID, &m.SenderID, &m.Content, &typ, &m.CreatedAt) {
		m.ConversationID = conversationID
		m.Type = model.MessageType(typ)
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	return out, nil
}

func (s *Scylla) EditContent(ctx context.Context, conversationID string, messageID int64, senderID, content string) (*model.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	prev := make(map[string]interface{})
	applied, err := s.session.Query(
		`UPDATE messages SET content = ? WHERE conversation_id = ? AND id = ? IF sender_id = ?`,
		content, uid, messageID, senderID,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if !applied {
		if _, ok := prev["sender_id"]; ok {
			return nil, fmt.Errorf("%w: only the sender may edit", ErrForbidden)
		}
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}

	var (
		msg model.Message
		typ string
	)
	err = s.session.Query(
		`SELECT id, sender_id, content, type, created_at FROM messages WHERE conversation_id = ? AND id = ?`,
		uid, messageID,
	).WithContext(ctx).Scan(&msg.ID, &msg.SenderID, &msg.Content, &typ, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("edit message: reread: %w", err)
	}
	msg.ConversationID = conversationID
	msg.Type = model.MessageType(typ)
	return &msg, nil
}

func (s *Scylla) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	now := time.Now()
	prev := make(map[string]interface{})
	applied, err := s.session.Query(
		`UPDATE participants SET last_read_at = ? WHERE conversation_id = ? AND user_id = ? IF last_read_at < ?`,
		now, uid, userID, now,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return time.Time{}, fmt.Errorf("mark read: %w", err)
	}
	if applied {
		return now, nil
	}

	// Not applied: either the row is missing (not a participant) or the
	// cursor is already at or past now. The cursor never regresses.
	current, ok := prev["last_read_at"].(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}
	return current, nil
}

func (s *Scylla) Unread(ctx context.Context, conversationID, userID string) (int64, error) {
	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	var lastRead time.Time
	err = s.session.Query(
		`SELECT last_read_at FROM participants WHERE conversation_id = ? AND user_id = ?`, uid, userID,
	).WithContext(ctx).Scan(&lastRead)
	if err == gocql.ErrNotFound {
		return 0, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("unread: %w", err)
	}

	boundary := snowflake.LowerBound(lastRead)
	iter := s.session.Query(
		`SELECT sender_id FROM messages WHERE conversation_id = ? AND id > ?`, uid, boundary,
	).WithContext(ctx).Iter()

	var count int64
	var senderID string
	for iter.Scan(&senderID) {
		if senderID != userID {
			count++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("unread: %w", err)
	}
	return count, nil
}

func (s *Scylla) UnreadCount(ctx context.Context, userID string) (int64, error) {
	iter := s.session.Query(
		`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID,
	).WithContext(ctx).Iter()

	var ids []string
	var uid gocql.UUID
	for iter.Scan(&uid) {
		ids = append(ids, uid.String())
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}

	var total int64
	for _, id := range ids {
		n, err := s.Unread(ctx, id, userID)
		if err != nil {
			// Recency rows are a projection; skip ones that lag a removal.
			if errors.Is(err, ErrNotParticipant) || errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		total += n
	}
	return total, nil
}
