package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkhare/orgchat/pkg/metrics"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/registry"
	"github.com/mkhare/orgchat/pkg/store"
)

// Router fans events out to live subscribers. Room membership is never
// trusted from client input: joining re-validates participancy against the
// conversation store.
type Router struct {
	reg   *registry.Registry
	convs store.ConversationStore
	log   zerolog.Logger
}

func NewRouter(reg *registry.Registry, convs store.ConversationStore, log zerolog.Logger) *Router {
	return &Router{reg: reg, convs: convs, log: log}
}

// JoinRoom subscribes the connection to a conversation's room after
// verifying the connection's user is a current participant. Re-joining an
// already-joined room is an idempotent acknowledgement.
func (r *Router) JoinRoom(ctx context.Context, c registry.Conn, conversationID string) (already bool, err error) {
	if conversationID == "" {
		return false, fmt.Errorf("%w: conversation id is required", store.ErrValidation)
	}

	member, err := r.convs.IsParticipant(ctx, conversationID, c.UserID())
	if err != nil {
		return false, err
	}
	if !member {
		return false, fmt.Errorf("%w: %s is not a participant of %s", store.ErrForbidden, c.UserID(), conversationID)
	}

	already, ok := r.reg.JoinRoom(c.ID(), conversationID)
	if !ok {
		// The connection disappeared between authorization and subscribe.
		return false, fmt.Errorf("%w: connection %s", store.ErrNotFound, c.ID())
	}
	return already, nil
}

// LeaveRoom unsubscribes the connection. Reports whether it was subscribed.
func (r *Router) LeaveRoom(c registry.Conn, conversationID string) bool {
	return r.reg.LeaveRoom(c.ID(), conversationID)
}

// Route resolves the event's live audience from the registry and pushes the
// payload to each connection. The registry snapshot is taken under its lock;
// every Send happens after the lock is released. Delivery is at-most-once
// per connection and a failed Send is simply skipped; the persisted history
// is the recovery path.
func (r *Router) Route(ev *model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("marshal event")
		return
	}

	var targets []registry.Conn
	if ev.TargetUserID != "" {
		targets = r.reg.UserConns(ev.TargetUserID)
	} else {
		targets = r.reg.RoomConns(ev.ConversationID)
	}

	delivered := 0
	for _, c := range targets {
		if ev.ExcludeUserID != "" && c.UserID() == ev.ExcludeUserID {
			continue
		}
		if err := c.Send(payload); err == nil {
			delivered++
		}
	}
	metrics.EventsRouted.WithLabelValues(string(ev.Kind)).Add(float64(delivered))
}
