package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/snowflake"
)

// Memory is an in-process adapter implementing both store ports. It backs
// the development STORE_BACKEND=memory mode and the test suite; the locking
// mirrors the invariants the Scylla adapter gets from lightweight
// transactions.
type Memory struct {
	mu   sync.RWMutex
	node *snowflake.Node

	conversations map[string]*model.Conversation
	participants  map[string]map[string]*model.Participant // conversation -> user
	pairs         map[string]string                        // "lo|hi" -> conversation id
	messages      map[string][]model.Message               // ascending by id
	recency       map[string]map[string]time.Time          // user -> conversation -> last activity
}

func NewMemory(node *snowflake.Node) *Memory {
	return &Memory{
		node:          node,
		conversations: make(map[string]*model.Conversation),
		participants:  make(map[string]map[string]*model.Participant),
		pairs:         make(map[string]string),
		messages:      make(map[string][]model.Message),
		recency:       make(map[string]map[string]time.Time),
	}
}

func (m *Memory) CreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	if userA == "" || userB == "" {
		return nil, false, fmt.Errorf("%w: both user ids are required", ErrValidation)
	}
	if userA == userB {
		return nil, false, fmt.Errorf("%w: cannot open a direct conversation with yourself", ErrValidation)
	}

	lo, hi := model.PairKey(userA, userB)
	key := lo + "|" + hi

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairs[key]; ok {
		conv := *m.conversations[id]
		return &conv, false, nil
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Type:      model.ConversationDirect,
		CreatedBy: userA,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.pairs[key] = conv.ID
	m.conversations[conv.ID] = conv
	m.participants[conv.ID] = map[string]*model.Participant{
		lo: {ConversationID: conv.ID, UserID: lo, JoinedAt: now, LastReadAt: now},
		hi: {ConversationID: conv.ID, UserID: hi, JoinedAt: now, LastReadAt: now},
	}
	m.touchLocked(conv.ID, []string{lo, hi}, now)

	out := *conv
	return &out, true, nil
}

func (m *Memory) CreateGroup(ctx context.Context, name, creatorID string, participantIDs []string) (*model.Conversation, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Type:      model.ConversationGroup,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv

	set := make(map[string]*model.Participant, len(members))
	ids := make([]string, 0, len(members))
	for id := range members {
		set[id] = &model.Participant{ConversationID: conv.ID, UserID: id, JoinedAt: now, LastReadAt: now}
		ids = append(ids, id)
	}
	m.participants[conv.ID] = set
	m.touchLocked(conv.ID, ids, now)

	out := *conv
	return &out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	out := *conv
	return &out, nil
}

func (m *Memory) Rename(ctx context.Context, id, name, requesterID string) (*model.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if conv.Type != model.ConversationGroup {
		return nil, fmt.Errorf("%w: direct conversations have no name", ErrValidation)
	}
	if _, ok := m.participants[id][requesterID]; !ok {
		return nil, fmt.Errorf("%w: %s is not a participant", ErrForbidden, requesterID)
	}

	conv.Name = name
	conv.UpdatedAt = time.Now()
	out := *conv
	return &out, nil
}

func (m *Memory) Delete(ctx context.Context, id, requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if conv.CreatedBy != requesterID {
		return fmt.Errorf("%w: only the creator may delete", ErrForbidden)
	}

	for userID := range m.participants[id] {
		delete(m.recency[userID], id)
	}
	if conv.Type == model.ConversationDirect {
		for key, convID := range m.pairs {
			if convID == id {
				delete(m.pairs, key)
				break
			}
		}
	}
	delete(m.participants, id)
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *Memory) AddParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.participants[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if _, ok := set[userID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, userID)
	}

	now := time.Now()
	p := &model.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: now, LastReadAt: now}
	set[userID] = p
	m.touchLocked(conversationID, []string{userID}, now)

	out := *p
	return &out, nil
}

func (m *Memory) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.participants[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if _, ok := set[userID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}

	delete(set, userID)
	delete(m.recency[userID], conversationID)
	return nil
}

func (m *Memory) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.participants[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	out := make([]model.Participant, 0, len(set))
	for _, p := range set {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.participants[conversationID]
	if !ok {
		return false, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	_, ok = set[userID]
	return ok, nil
}

func (m *Memory) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		conv *model.Conversation
		at   time.Time
	}
	var entries []entry
	for convID, at := range m.recency[userID] {
		if conv, ok := m.conversations[convID]; ok {
			entries = append(entries, entry{conv, at})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })

	out := make([]model.Conversation, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e.conv)
	}
	return out, nil
}

func (m *Memory) TouchRecency(ctx context.Context, conversationID string, userIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(conversationID, userIDs, at)
	return nil
}

func (m *Memory) touchLocked(conversationID string, userIDs []string, at time.Time) {
	for _, userID := range userIDs {
		if m.recency[userID] == nil {
			m.recency[userID] = make(map[string]time.Time)
		}
		if at.After(m.recency[userID][conversationID]) {
			m.recency[userID][conversationID] = at
		}
	}
}

func (m *Memory) Append(ctx context.Context, conversationID, senderID, content string, typ model.MessageType) (*model.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if typ == "" {
		typ = model.MessageText
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.participants[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if _, ok := set[senderID]; !ok {
		return nil, fmt.Errorf("%w: sender %s", ErrNotParticipant, senderID)
	}

	id := m.node.Generate()
	msg := model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		CreatedAt:      snowflake.TimeOf(id),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	out := msg
	return &out, nil
}

func (m *Memory) Page(ctx context.Context, conversationID string, beforeID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	log := m.messages[conversationID]
	out := make([]model.Message, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID > 0 && log[i].ID >= beforeID {
			continue
		}
		out = append(out, log[i])
	}
	return out, nil
}

func (m *Memory) EditContent(ctx context.Context, conversationID string, messageID int64, senderID, content string) (*model.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.messages[conversationID]
	for i := range log {
		if log[i].ID != messageID {
			continue
		}
		if log[i].SenderID != senderID {
			return nil, fmt.Errorf("%w: only the sender may edit", ErrForbidden)
		}
		log[i].Content = content
		out := log[i]
		return &out, nil
	}
	return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
}

func (m *Memory) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.participants[conversationID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	p, ok := set[userID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}

	now := time.Now()
	if now.After(p.LastReadAt) {
		p.LastReadAt = now
	}
	return p.LastReadAt, nil
}

func (m *Memory) Unread(ctx context.Context, conversationID, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unreadLocked(conversationID, userID)
}

func (m *Memory) UnreadCount(ctx context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for convID, set := range m.participants {
		if _, ok := set[userID]; !ok {
			continue
		}
		n, err := m.unreadLocked(convID, userID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (m *Memory) unreadLocked(conversationID, userID string) (int64, error) {
	set, ok := m.participants[conversationID]
	if !ok {
		return 0, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	p, ok := set[userID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}

	boundary := snowflake.LowerBound(p.LastReadAt)
	var count int64
	log := m.messages[conversationID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].ID <= boundary {
			break
		}
		if log[i].SenderID != userID {
			count++
		}
	}
	return count, nil
}
