package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/registry"
	"github.com/mkhare/orgchat/pkg/snowflake"
	"github.com/mkhare/orgchat/pkg/store"
)

// recordingConn satisfies registry.Conn and captures pushed payloads.
type recordingConn struct {
	id     string
	userID string

	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) UserID() string { return c.userID }

func (c *recordingConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection gone")
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *recordingConn) events(t *testing.T) []model.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Event, 0, len(c.payloads))
	for _, raw := range c.payloads {
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("undecodable payload %s: %v", raw, err)
		}
		out = append(out, ev)
	}
	return out
}

func newRouterHarness(t *testing.T) (*Router, *registry.Registry, *store.Memory) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory(node)
	reg := registry.New()
	return NewRouter(reg, mem, zerolog.Nop()), reg, mem
}

func TestJoinRoomForbiddenForNonParticipant(t *testing.T) {
	ctx := context.Background()
	router, reg, mem := newRouterHarness(t)

	conv, _, err := mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	outsider := &recordingConn{id: "c1", userID: "3"}
	reg.Register(outsider)

	if _, err := router.JoinRoom(ctx, outsider, conv.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
	if len(reg.RoomConns(conv.ID)) != 0 {
		t.Error("forbidden join must not subscribe the connection")
	}
}

func TestJoinRoomIdempotent(t *testing.T) {
	ctx := context.Background()
	router, reg, mem := newRouterHarness(t)

	conv, _, err := mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	c := &recordingConn{id: "c1", userID: "1"}
	reg.Register(c)

	if already, err := router.JoinRoom(ctx, c, conv.ID); err != nil || already {
		t.Fatalf("first join: already=%v err=%v", already, err)
	}
	if already, err := router.JoinRoom(ctx, c, conv.ID); err != nil || !already {
		t.Fatalf("re-join: already=%v err=%v", already, err)
	}
	if got := len(reg.RoomConns(conv.ID)); got != 1 {
		t.Errorf("room has %d subscribers, want 1", got)
	}
}

func TestRouteToRoom(t *testing.T) {
	ctx := context.Background()
	router, reg, mem := newRouterHarness(t)

	conv, _, err := mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	c1 := &recordingConn{id: "c1", userID: "1"}
	c2 := &recordingConn{id: "c2", userID: "2"}
	stranger := &recordingConn{id: "c3", userID: "2"} // live but never joined
	for _, c := range []*recordingConn{c1, c2, stranger} {
		reg.Register(c)
	}
	if _, err := router.JoinRoom(ctx, c1, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := router.JoinRoom(ctx, c2, conv.ID); err != nil {
		t.Fatal(err)
	}

	router.Route(&model.Event{Kind: model.EventNewMessage, ConversationID: conv.ID, ActorID: "1"})

	if got := len(c1.events(t)); got != 1 {
		t.Errorf("c1 received %d events, want 1", got)
	}
	if got := len(c2.events(t)); got != 1 {
		t.Errorf("c2 received %d events, want 1", got)
	}
	if got := len(stranger.events(t)); got != 0 {
		t.Errorf("unsubscribed connection received %d events, want 0", got)
	}
}

func TestRouteExcludesUser(t *testing.T) {
	ctx := context.Background()
	router, reg, mem := newRouterHarness(t)

	conv, _, err := mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	sender := &recordingConn{id: "c1", userID: "1"}
	senderOther := &recordingConn{id: "c2", userID: "1"} // second device, also excluded
	peer := &recordingConn{id: "c3", userID: "2"}
	for _, c := range []*recordingConn{sender, senderOther, peer} {
		reg.Register(c)
		if _, err := router.JoinRoom(ctx, c, conv.ID); err != nil {
			t.Fatal(err)
		}
	}

	router.Route(&model.Event{
		Kind:           model.EventUserTyping,
		ConversationID: conv.ID,
		ActorID:        "1",
		Typing:         true,
		ExcludeUserID:  "1",
	})

	if got := len(sender.events(t)) + len(senderOther.events(t)); got != 0 {
		t.Errorf("sender connections received %d typing events, want 0", got)
	}
	if got := len(peer.events(t)); got != 1 {
		t.Errorf("peer received %d events, want 1", got)
	}
}

func TestRouteToUser(t *testing.T) {
	router, reg, _ := newRouterHarness(t)

	c1 := &recordingConn{id: "c1", userID: "1"}
	c2 := &recordingConn{id: "c2", userID: "1"}
	other := &recordingConn{id: "c3", userID: "2"}
	for _, c := range []*recordingConn{c1, c2, other} {
		reg.Register(c)
	}

	router.Route(&model.Event{Kind: model.EventConversationCreated, TargetUserID: "1"})

	if got := len(c1.events(t)) + len(c2.events(t)); got != 2 {
		t.Errorf("user connections received %d events, want 2", got)
	}
	if got := len(other.events(t)); got != 0 {
		t.Errorf("other user received %d events, want 0", got)
	}
}

func TestRouteSkipsFailedSend(t *testing.T) {
	ctx := context.Background()
	router, reg, mem := newRouterHarness(t)

	conv, _, err := mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	dead := &recordingConn{id: "c1", userID: "1", fail: true}
	alive := &recordingConn{id: "c2", userID: "2"}
	for _, c := range []*recordingConn{dead, alive} {
		reg.Register(c)
		if _, err := router.JoinRoom(ctx, c, conv.ID); err != nil {
			t.Fatal(err)
		}
	}

	// A dead connection must not block delivery to the rest of the room.
	router.Route(&model.Event{Kind: model.EventNewMessage, ConversationID: conv.ID})
	if got := len(alive.events(t)); got != 1 {
		t.Errorf("live connection received %d events, want 1", got)
	}
}

func TestPerSenderOrdering(t *testing.T) {
	ctx := context.Background()
	router, reg, mem := newRouterHarness(t)

	conv, _, err := mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	recipient := &recordingConn{id: "c1", userID: "2"}
	reg.Register(recipient)
	if _, err := router.JoinRoom(ctx, recipient, conv.ID); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 5; i++ {
		router.Route(&model.Event{
			Kind:           model.EventNewMessage,
			ConversationID: conv.ID,
			ActorID:        "1",
			MessageID:      i,
		})
	}

	events := recipient.events(t)
	if len(events) != 5 {
		t.Fatalf("received %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.MessageID != int64(i+1) {
			t.Errorf("event %d has message id %d, want %d", i, ev.MessageID, i+1)
		}
	}
}
