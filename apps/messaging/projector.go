package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/store"
)

// Projector maintains the per-user conversation list ordering. It trails the
// event stream and bumps recency for every participant whenever a message
// lands, keeping the hot path free of that write amplification.
type Projector struct {
	convs store.ConversationStore
	log   zerolog.Logger
}

func NewProjector(convs store.ConversationStore, log zerolog.Logger) *Projector {
	return &Projector{convs: convs, log: log}
}

// Apply is idempotent: recency only moves forward, so replayed events are
// harmless.
func (p *Projector) Apply(ctx context.Context, ev *model.Event) {
	if ev.Kind != model.EventNewMessage || ev.ConversationID == "" {
		return
	}

	participants, err := p.convs.Participants(ctx, ev.ConversationID)
	if err != nil {
		p.log.Warn().Err(err).Str("conversation", ev.ConversationID).Msg("participant lookup failed")
		return
	}

	userIDs := make([]string, 0, len(participants))
	for _, part := range participants {
		userIDs = append(userIDs, part.UserID)
	}
	if err := p.convs.TouchRecency(ctx, ev.ConversationID, userIDs, ev.Timestamp); err != nil {
		p.log.Error().Err(err).Str("conversation", ev.ConversationID).Msg("recency update failed")
	}
}
