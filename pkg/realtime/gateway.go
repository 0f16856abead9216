package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/directory"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/presence"
	"github.com/mkhare/orgchat/pkg/registry"
	"github.com/mkhare/orgchat/pkg/store"
)

// PublishFunc hands an event to the bus. Everything the gateway emits goes
// through the bus and comes back via HandleEvent, so local and remote
// subscribers share one delivery path and one ordering.
type PublishFunc func(ctx context.Context, ev *model.Event) error

// Gateway owns the websocket endpoint: it authenticates connections against
// the directory, registers them, runs their read pumps and fans bus events
// out to the local registry.
type Gateway struct {
	reg      *registry.Registry
	router   *Router
	convs    store.ConversationStore
	dir      directory.Service
	mirror   presence.Mirror
	publish  PublishFunc
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewGateway(reg *registry.Registry, router *Router, convs store.ConversationStore, dir directory.Service, mirror presence.Mirror, publish PublishFunc, log zerolog.Logger) *Gateway {
	return &Gateway{
		reg:     reg,
		router:  router,
		convs:   convs,
		dir:     dir,
		mirror:  mirror,
		publish: publish,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an incoming request into a managed session. A credential
// that fails verification never reaches the registry: the session goes
// straight to disconnected.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	sess := newSession(g)
	sess.setState(StateConnecting)

	token := bearerToken(r)
	if token == "" {
		sess.setState(StateDisconnected)
		http.Error(w, "credential required", http.StatusUnauthorized)
		return
	}

	sess.setState(StateAuthenticating)
	userID, err := g.dir.VerifyCredential(r.Context(), token)
	if err != nil {
		sess.setState(StateDisconnected)
		if errors.Is(err, auth.ErrExpiredCredential) {
			http.Error(w, "credential expired", http.StatusUnauthorized)
		} else {
			http.Error(w, "invalid credential", http.StatusUnauthorized)
		}
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.setState(StateDisconnected)
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConn(userID, ws)
	sess.conn = conn
	sess.userID = userID

	change := g.reg.Register(conn)
	sess.setState(StateAuthenticated)
	g.log.Info().Str("user", userID).Str("conn", conn.ID()).Msg("connection registered")

	if change != nil {
		g.publishPresence(context.Background(), change)
	}

	go conn.writeLoop()
	go g.readPump(sess, conn, ws)
}

func (g *Gateway) readPump(sess *Session, conn *Conn, ws *websocket.Conn) {
	defer g.disconnect(sess, conn)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug().Err(err).Str("conn", conn.ID()).Msg("read loop ended")
			}
			return
		}
		sess.HandleFrame(context.Background(), raw)
	}
}

// disconnect is the single terminal path for a session, reached on clean
// close and transport loss alike. No handshake is required to release state.
func (g *Gateway) disconnect(sess *Session, conn *Conn) {
	sess.teardown.Do(func() {
		sess.setState(StateDisconnected)
		conn.Close(websocket.CloseNormalClosure, "")

		rooms, change := g.reg.Unregister(conn)
		ctx := context.Background()

		for _, room := range rooms {
			g.publishEvent(ctx, &model.Event{
				Kind:           model.EventUserLeft,
				ConversationID: room,
				UserID:         sess.userID,
				ActorID:        sess.userID,
				Timestamp:      time.Now(),
			})
		}
		if change != nil {
			g.publishPresence(ctx, change)
		}
		g.log.Info().Str("user", sess.userID).Str("conn", conn.ID()).Msg("connection unregistered")
	})
}

// HandleEvent is the bus consumer entry point: every event published by any
// api/gateway instance arrives here on every gateway.
func (g *Gateway) HandleEvent(ev *model.Event) {
	switch ev.Kind {
	case model.EventParticipantRemoved:
		// The removed user's connections lose their subscription before the
		// event is fanned out, so they receive this delta and nothing after.
		defer g.reg.EvictUserFromRoom(ev.UserID, ev.ConversationID)
	case model.EventConversationDeleted:
		defer g.reg.EvictUserFromRoom(ev.UserID, ev.ConversationID)
	}
	g.router.Route(ev)
}

// publishEvent hands an event to the bus; failures are logged and the
// session lives on, persisted history covers the gap.
func (g *Gateway) publishEvent(ctx context.Context, ev *model.Event) {
	if err := g.publish(ctx, ev); err != nil {
		g.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("publish event")
	}
}

// publishPresence mirrors an aggregated presence flip to Redis and emits a
// status-change event to every conversation the user belongs to.
func (g *Gateway) publishPresence(ctx context.Context, change *registry.PresenceChange) {
	state := model.PresenceState{UserID: change.UserID, Status: change.Status, LastSeen: change.LastSeen}
	if err := g.mirror.Set(ctx, state); err != nil {
		g.log.Warn().Err(err).Str("user", change.UserID).Msg("presence mirror write failed")
	}

	convs, err := g.convs.ListForUser(ctx, change.UserID)
	if err != nil {
		g.log.Warn().Err(err).Str("user", change.UserID).Msg("presence fan-out lookup failed")
		return
	}
	for _, conv := range convs {
		g.publishEvent(ctx, &model.Event{
			Kind:           model.EventUserStatusChanged,
			ConversationID: conv.ID,
			UserID:         change.UserID,
			Status:         change.Status,
			ExcludeUserID:  change.UserID,
			Timestamp:      change.LastSeen,
		})
	}
}

func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if token == "" {
		// Browser websocket clients cannot set headers.
		token = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(token, "Bearer ")
}
