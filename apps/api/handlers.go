package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/directory"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/presence"
	"github.com/mkhare/orgchat/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type publisher interface {
	Publish(ctx context.Context, ev *model.Event) error
}

// Server is the request/response surface over the chat core: every mutation
// persists through the store ports first and then emits the matching event
// on the bus.
type Server struct {
	convs  store.ConversationStore
	msgs   store.MessageStore
	dir    directory.Service
	pub    publisher
	mirror presence.Mirror
	issuer *auth.Issuer
	log    zerolog.Logger
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.dir))

		r.Get("/conversations", s.listConversations)
		r.Post("/conversations", s.createConversation)
		r.Patch("/conversations/{id}", s.renameConversation)
		r.Delete("/conversations/{id}", s.deleteConversation)

		r.Post("/conversations/{id}/participants", s.addParticipant)
		r.Delete("/conversations/{id}/participants/{userID}", s.removeParticipant)

		r.Get("/conversations/{id}/messages", s.pageMessages)
		r.Post("/conversations/{id}/messages", s.sendMessage)
		r.Put("/conversations/{id}/messages/{messageID}", s.editMessage)

		r.Post("/conversations/{id}/read", s.markRead)
		r.Get("/unread", s.unreadCount)
		r.Get("/presence/{userID}", s.getPresence)
	})

	return r
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeErr maps the store error taxonomy onto HTTP statuses. Anything
// unclassified is treated as a transient store failure: surfaced as-is,
// retried by nobody here.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrForbidden), errors.Is(err, store.ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, directory.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyMember):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) emit(ctx context.Context, ev *model.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		// The write is already durable; subscribers recover from history.
		s.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("publish event")
	}
}

// requireActive resolves a user through the directory and rejects missing
// or deactivated identities.
func (s *Server) requireActive(ctx context.Context, userID string) error {
	user, err := s.dir.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return directory.ErrUserNotFound
	}
	return nil
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := s.issuer.GenerateToken(req.UserID)
	if err != nil {
		http.Error(w, "failed to generate token", http.StatusInternalServerError)
		return
	}
	respond(w, http.StatusOK, loginResponse{Token: token})
}

type conversationView struct {
	model.Conversation
	UnreadCount int64 `json:"unread_count"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)

	convs, err := s.convs.ListForUser(r.Context(), caller)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	out := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		unread, err := s.msgs.Unread(r.Context(), conv.ID, caller)
		if err != nil && !errors.Is(err, store.ErrNotParticipant) {
			s.writeErr(w, err)
			return
		}
		out = append(out, conversationView{Conversation: conv, UnreadCount: unread})
	}
	respond(w, http.StatusOK, out)
}

type createConversationRequest struct {
	Type           model.ConversationType `json:"type"`
	UserID         string                 `json:"user_id,omitempty"`         // direct peer
	Name           string                 `json:"name,omitempty"`            // group name
	ParticipantIDs []string               `json:"participant_ids,omitempty"` // group members
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case model.ConversationDirect:
		s.createDirect(w, r, caller, req.UserID)
	case model.ConversationGroup:
		s.createGroup(w, r, caller, req.Name, req.ParticipantIDs)
	default:
		http.Error(w, "type must be direct or group", http.StatusBadRequest)
	}
}

func (s *Server) createDirect(w http.ResponseWriter, r *http.Request, caller, peer string) {
	if peer == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := s.requireActive(r.Context(), peer); err != nil {
		s.writeErr(w, err)
		return
	}

	conv, created, err := s.convs.CreateDirect(r.Context(), caller, peer)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if !created {
		// Dedup hit, possibly a lost creation race: either way the caller
		// transparently receives the surviving conversation.
		respond(w, http.StatusOK, conv)
		return
	}

	s.notifyParticipants(r.Context(), conv, model.EventConversationCreated, caller)
	respond(w, http.StatusCreated, conv)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request, caller, name string, participantIDs []string) {
	for _, id := range participantIDs {
		if err := s.requireActive(r.Context(), id); err != nil {
			s.writeErr(w, err)
			return
		}
	}

	conv, err := s.convs.CreateGroup(r.Context(), name, caller, participantIDs)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.notifyParticipants(r.Context(), conv, model.EventConversationCreated, caller)
	respond(w, http.StatusCreated, conv)
}

// notifyParticipants targets each current participant directly, so they
// learn about the conversation before any of them has joined its room.
func (s *Server) notifyParticipants(ctx context.Context, conv *model.Conversation, kind model.EventKind, actor string) {
	participants, err := s.convs.Participants(ctx, conv.ID)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", conv.ID).Msg("participant lookup for notify")
		return
	}
	now := time.Now()
	for _, p := range participants {
		s.emit(ctx, &model.Event{
			Kind:           kind,
			ConversationID: conv.ID,
			ActorID:        actor,
			TargetUserID:   p.UserID,
			UserID:         p.UserID,
			Conversation:   conv,
			Timestamp:      now,
		})
	}
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) renameConversation(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := s.convs.Rename(r.Context(), convID, req.Name, caller)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.emit(r.Context(), &model.Event{
		Kind:           model.EventConversationUpdated,
		ConversationID: conv.ID,
		ActorID:        caller,
		Conversation:   conv,
		Timestamp:      time.Now(),
	})
	respond(w, http.StatusOK, conv)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	// Resolve the audience before the rows disappear.
	participants, err := s.convs.Participants(r.Context(), convID)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if err := s.convs.Delete(r.Context(), convID, caller); err != nil {
		s.writeErr(w, err)
		return
	}

	now := time.Now()
	for _, p := range participants {
		s.emit(r.Context(), &model.Event{
			Kind:           model.EventConversationDeleted,
			ConversationID: convID,
			ActorID:        caller,
			TargetUserID:   p.UserID,
			UserID:         p.UserID,
			Timestamp:      now,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

type participantRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	member, err := s.convs.IsParticipant(r.Context(), convID, caller)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !member {
		s.writeErr(w, store.ErrForbidden)
		return
	}

	if err := s.requireActive(r.Context(), req.UserID); err != nil {
		s.writeErr(w, err)
		return
	}

	p, err := s.convs.AddParticipant(r.Context(), convID, req.UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	conv, err := s.convs.Get(r.Context(), convID)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	now := time.Now()
	s.emit(r.Context(), &model.Event{
		Kind:           model.EventParticipantAdded,
		ConversationID: convID,
		ActorID:        caller,
		UserID:         req.UserID,
		Timestamp:      now,
	})
	// The new member is not in the room yet; reach them directly.
	s.emit(r.Context(), &model.Event{
		Kind:           model.EventParticipantAdded,
		ConversationID: convID,
		ActorID:        caller,
		TargetUserID:   req.UserID,
		UserID:         req.UserID,
		Conversation:   conv,
		Timestamp:      now,
	})
	respond(w, http.StatusCreated, p)
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")
	target := chi.URLParam(r, "userID")

	member, err := s.convs.IsParticipant(r.Context(), convID, caller)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	// Leaving yourself is always allowed; removing others requires
	// membership.
	if !member && caller != target {
		s.writeErr(w, store.ErrForbidden)
		return
	}

	if err := s.convs.RemoveParticipant(r.Context(), convID, target); err != nil {
		s.writeErr(w, err)
		return
	}

	s.emit(r.Context(), &model.Event{
		Kind:           model.EventParticipantRemoved,
		ConversationID: convID,
		ActorID:        caller,
		UserID:         target,
		Timestamp:      time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pageMessages(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	member, err := s.convs.IsParticipant(r.Context(), convID, caller)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !member {
		s.writeErr(w, store.ErrForbidden)
		return
	}

	var beforeID int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		beforeID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "before must be a message id", http.StatusBadRequest)
			return
		}
	}
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}

	messages, err := s.msgs.Page(r.Context(), convID, beforeID, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respond(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content string            `json:"content"`
	Type    model.MessageType `json:"type,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := s.msgs.Append(r.Context(), convID, caller, req.Content, req.Type)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.emit(r.Context(), &model.Event{
		Kind:           model.EventNewMessage,
		ConversationID: convID,
		ActorID:        caller,
		MessageID:      msg.ID,
		Message:        msg,
		Timestamp:      msg.CreatedAt,
	})
	respond(w, http.StatusCreated, msg)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		http.Error(w, "message id must be an integer", http.StatusBadRequest)
		return
	}

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := s.msgs.EditContent(r.Context(), convID, messageID, caller, req.Content)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.emit(r.Context(), &model.Event{
		Kind:           model.EventConversationUpdated,
		ConversationID: convID,
		ActorID:        caller,
		MessageID:      msg.ID,
		Message:        msg,
		Timestamp:      time.Now(),
	})
	respond(w, http.StatusOK, msg)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	convID := chi.URLParam(r, "id")

	readAt, err := s.msgs.MarkRead(r.Context(), convID, caller)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.emit(r.Context(), &model.Event{
		Kind:           model.EventMessageRead,
		ConversationID: convID,
		ActorID:        caller,
		UserID:         caller,
		Timestamp:      readAt,
	})
	respond(w, http.StatusOK, map[string]any{"last_read_at": readAt})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.msgs.UnreadCount(r.Context(), callerID(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"unread_count": count})
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	state, err := s.mirror.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respond(w, http.StatusOK, state)
}
