package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/mkhare/orgchat/pkg/db"
	"github.com/mkhare/orgchat/pkg/metrics"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/snowflake"
)

// Scylla implements both store ports over ScyllaDB. The direct-conversation
// pair index is guarded by a lightweight transaction, which is the single
// linearization point for concurrent CreateDirect races: the losing insert
// reads the winner's id out of the CAS result instead of failing. The pair
// is claimed only after the conversation and participant rows exist, so a
// loser reading the winner's id always finds the winner's rows.
type Scylla struct {
	session *db.Session
	node    *snowflake.Node
}

func NewScylla(session *db.Session, node *snowflake.Node) *Scylla {
	return &Scylla{session: session, node: node}
}

func (s *Scylla) CreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	if userA == "" || userB == "" {
		return nil, false, fmt.Errorf("%w: both user ids are required", ErrValidation)
	}
	if userA == userB {
		return nil, false, fmt.Errorf("%w: cannot open a direct conversation with yourself", ErrValidation)
	}

	lo, hi := model.PairKey(userA, userB)
	now := time.Now()
	newID := gocql.UUIDFromTime(now)
	conv := &model.Conversation{
		ID:        newID.String(),
		Type:      model.ConversationDirect,
		CreatedBy: userA,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Provisional rows go in first, the pair claim comes last. A caller
	// that loses the claim must always find the winner's rows in place,
	// so the conversation and participants can never lag the index.
	if err := s.session.Query(
		`INSERT INTO conversations (id, type, name, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		newID, string(conv.Type), "", conv.CreatedBy, now, now,
	).WithContext(ctx).Exec(); err != nil {
		return nil, false, fmt.Errorf("create direct: %w", err)
	}
	for _, userID := range []string{lo, hi} {
		if err := s.insertParticipant(ctx, newID, userID, now); err != nil {
			return nil, false, err
		}
	}

	prev := make(map[string]interface{})
	applied, err := s.session.Query(
		`INSERT INTO conversation_pairs (user_lo, user_hi, conversation_id) VALUES (?, ?, ?) IF NOT EXISTS`,
		lo, hi, newID,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return nil, false, fmt.Errorf("create direct pair: %w", err)
	}

	if !applied {
		metrics.DirectDedupHits.Inc()
		existing, ok := prev["conversation_id"].(gocql.UUID)
		if !ok {
			return nil, false, fmt.Errorf("create direct pair: winner row missing conversation_id")
		}
		// Our provisional rows lost the race; the pair index is the
		// authority, so drop them. Best-effort: an orphan here is
		// unreachable either way.
		for _, q := range []string{
			`DELETE FROM participants WHERE conversation_id = ?`,
			`DELETE FROM conversations WHERE id = ?`,
		} {
			_ = s.session.Query(q, newID).WithContext(ctx).Exec()
		}
		winner, err := s.Get(ctx, existing.String())
		if err != nil {
			return nil, false, err
		}
		return winner, false, nil
	}

	if err := s.TouchRecency(ctx, conv.ID, []string{lo, hi}, now); err != nil {
		return nil, false, err
	}

	return conv, true, nil
}

func (s *Scylla) CreateGroup(ctx context.Context, name, creatorID string, participantIDs []string) (*model.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrValidation)
	}
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrValidation)
	}

	members := map[string]struct{}{creatorID: {}}
	for _, id := range participantIDs {
		if id != "" {
			members[id] = struct{}{}
		}
	}

	now := time.Now()
	id := gocql.UUIDFromTime(now)
	conv := &model.Conversation{
		ID:        id.String(),
		Type:      model.ConversationGroup,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.session.Query(
		`INSERT INTO conversations (id, type, name, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(conv.Type), name, creatorID, now, now,
	).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	ids := make([]string, 0, len(members))
	for userID := range members {
		if err := s.insertParticipant(ctx, id, userID, now); err != nil {
			return nil, err
		}
		ids = append(ids, userID)
	}
	if err := s.TouchRecency(ctx, conv.ID, ids, now); err != nil {
		return nil, err
	}

	return conv, nil
}

func (s *Scylla) Get(ctx context.Context, id string) (*model.Conversation, error) {
	uid, err := gocql.ParseUUID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	var (
		conv model.Conversation
		typ  string
	)
	err = s.session.Query(
		`SELECT id, type, name, created_by, created_at, updated_at FROM conversations WHERE id = ?`, uid,
	).WithContext(ctx).Scan(&uid, &typ, &conv.Name, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err == gocql.ErrNotFound {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	conv.ID = uid.String()
	conv.Type = model.ConversationType(typ)
	return &conv, nil
}

func (s *Scylla) Rename(ctx context.Context, id, name, requesterID string) (*model.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Type != model.ConversationGroup {
		return nil, fmt.Errorf("%w: direct conversations have no name", ErrValidation)
	}

	member, err := s.IsParticipant(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("%w: %s is not a participant", ErrForbidden, requesterID)
	}

	now := time.Now()
	uid, _ := gocql.ParseUUID(id)
	if err := s.session.Query(
		`UPDATE conversations SET name = ?, updated_at = ? WHERE id = ?`, name, now, uid,
	).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("rename conversation: %w", err)
	}

	conv.Name = name
	conv.UpdatedAt = now
	return conv, nil
}

func (s *Scylla) Delete(ctx context.Context, id, requesterID string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.CreatedBy != requesterID {
		return fmt.Errorf("%w: only the creator may delete", ErrForbidden)
	}

	participants, err := s.Participants(ctx, id)
	if err != nil {
		return err
	}

	uid, _ := gocql.ParseUUID(id)
	for _, p := range participants {
		if err := s.session.Query(
			`DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`, p.UserID, uid,
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("delete recency: %w", err)
		}
	}

	if conv.Type == model.ConversationDirect && len(participants) == 2 {
		lo, hi := model.PairKey(participants[0].UserID, participants[1].UserID)
		if err := s.session.Query(
			`DELETE FROM conversation_pairs WHERE user_lo = ? AND user_hi = ?`, lo, hi,
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("delete pair: %w", err)
		}
	}

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM participants WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if err := s.session.Query(q, uid).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return nil
}

func (s *Scylla) AddParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	now := time.Now()
	prev := make(map[string]interface{})
	applied, err := s.session.Query(
		`INSERT INTO participants (conversation_id, user_id, joined_at, last_read_at) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		uid, userID, now, now,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, userID)
	}

	if err := s.TouchRecency(ctx, conversationID, []string{userID}, now); err != nil {
		return nil, err
	}

	return &model.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: now, LastReadAt: now}, nil
}

func (s *Scylla) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}
	if _, err := s.Get(ctx, conversationID); err != nil {
		return err
	}

	prev := make(map[string]interface{})
	applied, err := s.session.Query(
		`DELETE FROM participants WHERE conversation_id = ? AND user_id = ? IF EXISTS`, uid, userID,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}

	return s.session.Query(
		`DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`, userID, uid,
	).WithContext(ctx).Exec()
}

func (s *Scylla) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	iter := s.session.Query(
		`SELECT user_id, joined_at, last_read_at FROM participants WHERE conversation_id = ?`, uid,
	).WithContext(ctx).Iter()

	var out []model.Participant
	var p model.Participant
	for iter.Scan(&p.UserID, &p.JoinedAt, &p.LastReadAt) {
		p.ConversationID = conversationID
		out = append(out, p)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Scylla) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return false, fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	var found string
	err = s.session.Query(
		`SELECT user_id FROM participants WHERE conversation_id = ? AND user_id = ?`, uid, userID,
	).WithContext(ctx).Scan(&found)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

func (s *Scylla) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := s.session.Query(
		`SELECT conversation_id, last_updated FROM user_conversations WHERE user_id = ?`, userID,
	).WithContext(ctx).Iter()

	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	var uid gocql.UUID
	var at time.Time
	for iter.Scan(&uid, &at) {
		entries = append(entries, entry{uid.String(), at})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })

	out := make([]model.Conversation, 0, len(entries))
	for _, e := range entries {
		conv, err := s.Get(ctx, e.id)
		if err != nil {
			// Recency rows are a projection and may lag a deletion.
			continue
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (s *Scylla) TouchRecency(ctx context.Context, conversationID string, userIDs []string, at time.Time) error {
	uid, err := gocql.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("%w: malformed conversation id", ErrValidation)
	}

	for _, userID := range userIDs {
		if err := s.session.Query(
			`INSERT INTO user_conversations (user_id, conversation_id, last_updated) VALUES (?, ?, ?)`,
			userID, uid, at,
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("touch recency: %w", err)
		}
	}
	return nil
}

func (s *Scylla) insertParticipant(ctx context.Context, conversationID gocql.UUID, userID string, now time.Time) error {
	if err := s.session.Query(
		`INSERT INTO participants (conversation_id, user_id, joined_at, last_read_at) VALUES (?, ?, ?, ?)`,
		conversationID, userID, now, now,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}
