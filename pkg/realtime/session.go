package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/registry"
	"github.com/mkhare/orgchat/pkg/store"
)

// State is a session's position in the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session drives one client connection through the lifecycle and dispatches
// its inbound operations. A session only ever registers with the registry
// after authentication succeeds, and entering StateDisconnected always runs
// the cleanup path exactly once, handshake or not.
type Session struct {
	gw     *Gateway
	conn   registry.Conn
	userID string

	state    atomic.Int32
	teardown sync.Once
}

func newSession(gw *Gateway) *Session {
	return &Session{gw: gw}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// ack is the reply frame for accepted operations, error the refusal. An
// operation refusal never tears the session down.
type ackFrame struct {
	Kind           string       `json:"kind"`
	Op             model.OpKind `json:"op"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

type errorFrame struct {
	Kind   string       `json:"kind"`
	Op     model.OpKind `json:"op,omitempty"`
	Reason string       `json:"reason"`
}

func (s *Session) sendAck(op model.OpKind, conversationID string) {
	payload, _ := json.Marshal(ackFrame{Kind: "ack", Op: op, ConversationID: conversationID})
	_ = s.conn.Send(payload)
}

func (s *Session) sendError(op model.OpKind, reason string) {
	payload, _ := json.Marshal(errorFrame{Kind: "error", Op: op, Reason: reason})
	_ = s.conn.Send(payload)
}

func (s *Session) sendOpErr(op model.OpKind, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		s.sendError(op, "validation")
	case errors.Is(err, store.ErrForbidden):
		s.sendError(op, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		s.sendError(op, "not_found")
	default:
		s.sendError(op, "internal")
	}
}

// HandleFrame decodes and executes one inbound frame. Malformed input is
// answered with a validation error; it never disconnects the session.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	var op model.ClientOp
	if err := json.Unmarshal(raw, &op); err != nil {
		s.sendError("", "validation")
		return
	}
	s.HandleOp(ctx, op)
}

// HandleOp executes one inbound operation. The switch is exhaustive over
// OpKind; anything else is rejected as validation failure.
func (s *Session) HandleOp(ctx context.Context, op model.ClientOp) {
	if s.State() != StateAuthenticated {
		s.sendError(op.Op, "forbidden")
		return
	}

	switch op.Op {
	case model.OpJoinConversation:
		s.handleJoin(ctx, op)
	case model.OpLeaveConversation:
		s.handleLeave(ctx, op)
	case model.OpTypingStart:
		s.handleTyping(ctx, op, true)
	case model.OpTypingStop:
		s.handleTyping(ctx, op, false)
	case model.OpMessageDelivered:
		s.handleAckEvent(ctx, op, model.EventMessageDelivered)
	case model.OpMessageRead:
		s.handleAckEvent(ctx, op, model.EventMessageRead)
	case model.OpStatusUpdate:
		s.handleStatusUpdate(ctx, op)
	default:
		s.sendError(op.Op, "validation")
	}
}

func (s *Session) handleJoin(ctx context.Context, op model.ClientOp) {
	already, err := s.gw.router.JoinRoom(ctx, s.conn, op.ConversationID)
	if err != nil {
		s.sendOpErr(op.Op, err)
		return
	}

	s.sendAck(op.Op, op.ConversationID)
	if already {
		return
	}
	s.gw.publishEvent(ctx, &model.Event{
		Kind:           model.EventUserJoined,
		ConversationID: op.ConversationID,
		UserID:         s.userID,
		ActorID:        s.userID,
		Timestamp:      time.Now(),
	})
}

func (s *Session) handleLeave(ctx context.Context, op model.ClientOp) {
	if op.ConversationID == "" {
		s.sendError(op.Op, "validation")
		return
	}
	if !s.gw.router.LeaveRoom(s.conn, op.ConversationID) {
		s.sendAck(op.Op, op.ConversationID)
		return
	}

	s.sendAck(op.Op, op.ConversationID)
	s.gw.publishEvent(ctx, &model.Event{
		Kind:           model.EventUserLeft,
		ConversationID: op.ConversationID,
		UserID:         s.userID,
		ActorID:        s.userID,
		Timestamp:      time.Now(),
	})
}

func (s *Session) handleTyping(ctx context.Context, op model.ClientOp, typing bool) {
	if op.ConversationID == "" {
		s.sendError(op.Op, "validation")
		return
	}
	if !s.gw.reg.InRoom(s.conn.ID(), op.ConversationID) {
		s.sendError(op.Op, "forbidden")
		return
	}

	// Ephemeral: never persisted, last write wins, sender excluded.
	s.gw.publishEvent(ctx, &model.Event{
		Kind:           model.EventUserTyping,
		ConversationID: op.ConversationID,
		UserID:         s.userID,
		ActorID:        s.userID,
		Typing:         typing,
		ExcludeUserID:  s.userID,
		Timestamp:      time.Now(),
	})
}

func (s *Session) handleAckEvent(ctx context.Context, op model.ClientOp, kind model.EventKind) {
	if op.ConversationID == "" || op.MessageID == 0 {
		s.sendError(op.Op, "validation")
		return
	}
	if !s.gw.reg.InRoom(s.conn.ID(), op.ConversationID) {
		s.sendError(op.Op, "forbidden")
		return
	}

	s.gw.publishEvent(ctx, &model.Event{
		Kind:           kind,
		ConversationID: op.ConversationID,
		UserID:         s.userID,
		ActorID:        s.userID,
		MessageID:      op.MessageID,
		Timestamp:      time.Now(),
	})
}

func (s *Session) handleStatusUpdate(ctx context.Context, op model.ClientOp) {
	if op.Status != model.StatusOnline && op.Status != model.StatusBusy {
		s.sendError(op.Op, "validation")
		return
	}

	change, ok := s.gw.reg.SetStatus(s.userID, op.Status)
	if !ok {
		s.sendError(op.Op, "forbidden")
		return
	}
	s.sendAck(op.Op, "")
	if change != nil {
		s.gw.publishPresence(ctx, change)
	}
}
