// Package presence mirrors the registry's aggregated status into Redis so
// the HTTP API can answer presence lookups without a gateway round trip.
// The mirror is best-effort: a failed write is logged by the caller, never
// fatal, and the registry stays the in-process source of truth.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkhare/orgchat/pkg/model"
)

type Mirror interface {
	Set(ctx context.Context, state model.PresenceState) error
	Get(ctx context.Context, userID string) (model.PresenceState, error)
}

type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func key(userID string) string { return "presence:" + userID }

func (m *RedisMirror) Set(ctx context.Context, state model.PresenceState) error {
	return m.client.HSet(ctx, key(state.UserID),
		"status", string(state.Status),
		"last_seen", state.LastSeen.UTC().Format(time.RFC3339Nano),
	).Err()
}

func (m *RedisMirror) Get(ctx context.Context, userID string) (model.PresenceState, error) {
	state := model.PresenceState{UserID: userID, Status: model.StatusOffline}

	fields, err := m.client.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return state, err
	}
	if len(fields) == 0 {
		// Never seen: offline with zero last_seen.
		return state, nil
	}

	if s, ok := fields["status"]; ok {
		state.Status = model.Status(s)
	}
	if raw, ok := fields["last_seen"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			state.LastSeen = t
		}
	}
	return state, nil
}

// MemoryMirror backs dev mode and tests.
type MemoryMirror struct {
	mu     sync.Mutex
	states map[string]model.PresenceState
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{states: make(map[string]model.PresenceState)}
}

func (m *MemoryMirror) Set(ctx context.Context, state model.PresenceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.UserID] = state
	return nil
}

func (m *MemoryMirror) Get(ctx context.Context, userID string) (model.PresenceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[userID]
	if !ok {
		return model.PresenceState{UserID: userID, Status: model.StatusOffline}, nil
	}
	return state, nil
}
