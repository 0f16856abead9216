package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/directory"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/presence"
	"github.com/mkhare/orgchat/pkg/registry"
	"github.com/mkhare/orgchat/pkg/snowflake"
	"github.com/mkhare/orgchat/pkg/store"
)

// capturePublisher stands in for the Kafka bus in tests.
type capturePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *capturePublisher) publish(ctx context.Context, ev *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *capturePublisher) published() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Event(nil), p.events...)
}

type sessionHarness struct {
	gw   *Gateway
	reg  *registry.Registry
	mem  *store.Memory
	pub  *capturePublisher
	mirr *presence.MemoryMirror
}

func newHarness(t *testing.T) *sessionHarness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory(node)
	reg := registry.New()
	pub := &capturePublisher{}
	mirr := presence.NewMemoryMirror()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	gw := NewGateway(reg, NewRouter(reg, mem, zerolog.Nop()), mem, directory.NewStatic(issuer), mirr, pub.publish, zerolog.Nop())
	return &sessionHarness{gw: gw, reg: reg, mem: mem, pub: pub, mirr: mirr}
}

func (h *sessionHarness) session(t *testing.T, userID, connID string) (*Session, *recordingConn) {
	t.Helper()
	c := &recordingConn{id: connID, userID: userID}
	h.reg.Register(c)
	sess := newSession(h.gw)
	sess.conn = c
	sess.userID = userID
	sess.setState(StateAuthenticated)
	return sess, c
}

func frames(t *testing.T, c *recordingConn) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.payloads))
	for _, raw := range c.payloads {
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("undecodable frame %s: %v", raw, err)
		}
		out = append(out, frame)
	}
	return out
}

func lastFrame(t *testing.T, c *recordingConn) map[string]any {
	t.Helper()
	all := frames(t, c)
	if len(all) == 0 {
		t.Fatal("no frames received")
	}
	return all[len(all)-1]
}

func TestOpBeforeAuthenticationRefused(t *testing.T) {
	h := newHarness(t)
	sess, c := h.session(t, "1", "c1")
	sess.setState(StateAuthenticating)

	sess.HandleOp(context.Background(), model.ClientOp{Op: model.OpJoinConversation, ConversationID: "x"})

	if got := lastFrame(t, c)["reason"]; got != "forbidden" {
		t.Errorf("reason = %v, want forbidden", got)
	}
	if len(h.pub.published()) != 0 {
		t.Error("unauthenticated op must not publish")
	}
}

func TestJoinPublishesUserJoined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, _, err := h.mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	sess, c := h.session(t, "1", "c1")

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpJoinConversation, ConversationID: conv.ID})

	if got := lastFrame(t, c)["kind"]; got != "ack" {
		t.Fatalf("kind = %v, want ack", got)
	}
	events := h.pub.published()
	if len(events) != 1 || events[0].Kind != model.EventUserJoined {
		t.Fatalf("published = %+v, want one user_joined", events)
	}

	// Idempotent re-join: acknowledged, nothing new on the bus.
	sess.HandleOp(ctx, model.ClientOp{Op: model.OpJoinConversation, ConversationID: conv.ID})
	if got := lastFrame(t, c)["kind"]; got != "ack" {
		t.Errorf("re-join kind = %v, want ack", got)
	}
	if got := len(h.pub.published()); got != 1 {
		t.Errorf("re-join published %d extra events", got-1)
	}
}

func TestJoinForbiddenKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, _, err := h.mem.CreateDirect(ctx, "2", "3")
	if err != nil {
		t.Fatal(err)
	}
	sess, c := h.session(t, "1", "c1")

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpJoinConversation, ConversationID: conv.ID})

	frame := lastFrame(t, c)
	if frame["kind"] != "error" || frame["reason"] != "forbidden" {
		t.Errorf("frame = %v, want forbidden error", frame)
	}
	if sess.State() != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", sess.State())
	}
	if len(h.reg.RoomConns(conv.ID)) != 0 {
		t.Error("forbidden join must not subscribe")
	}
}

func TestTypingRequiresSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, _, err := h.mem.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	sess, c := h.session(t, "1", "c1")

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpTypingStart, ConversationID: conv.ID})
	if got := lastFrame(t, c)["reason"]; got != "forbidden" {
		t.Fatalf("typing before join: reason = %v, want forbidden", got)
	}

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpJoinConversation, ConversationID: conv.ID})
	sess.HandleOp(ctx, model.ClientOp{Op: model.OpTypingStart, ConversationID: conv.ID})

	events := h.pub.published()
	last := events[len(events)-1]
	if last.Kind != model.EventUserTyping || !last.Typing || last.ExcludeUserID != "1" {
		t.Errorf("typing event = %+v", last)
	}
}

func TestReadAckValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, c := h.session(t, "1", "c1")

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpMessageRead, ConversationID: "conv"})
	if got := lastFrame(t, c)["reason"]; got != "validation" {
		t.Errorf("missing message id: reason = %v, want validation", got)
	}
}

func TestStatusUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, _, err := h.mem.CreateDirect(ctx, "1", "2"); err != nil {
		t.Fatal(err)
	}
	sess, c := h.session(t, "1", "c1")

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpStatusUpdate, Status: model.StatusBusy})
	if got := lastFrame(t, c)["kind"]; got != "ack" {
		t.Fatalf("kind = %v, want ack", got)
	}

	state, err := h.mirr.Get(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != model.StatusBusy {
		t.Errorf("mirrored status = %s, want busy", state.Status)
	}

	events := h.pub.published()
	if len(events) != 1 || events[0].Kind != model.EventUserStatusChanged || events[0].Status != model.StatusBusy {
		t.Errorf("published = %+v, want one user_status_changed(busy)", events)
	}

	sess.HandleOp(ctx, model.ClientOp{Op: model.OpStatusUpdate, Status: model.StatusOffline})
	if got := lastFrame(t, c)["reason"]; got != "validation" {
		t.Errorf("explicit offline: reason = %v, want validation", got)
	}
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t)
	sess, c := h.session(t, "1", "c1")

	sess.HandleFrame(context.Background(), []byte("{not json"))
	frame := lastFrame(t, c)
	if frame["kind"] != "error" || frame["reason"] != "validation" {
		t.Errorf("frame = %v, want validation error", frame)
	}
	if sess.State() != StateAuthenticated {
		t.Error("malformed input must not disconnect the session")
	}
}

func TestUnknownOp(t *testing.T) {
	h := newHarness(t)
	sess, c := h.session(t, "1", "c1")

	sess.HandleOp(context.Background(), model.ClientOp{Op: "warp_to_moon"})
	if got := lastFrame(t, c)["reason"]; got != "validation" {
		t.Errorf("reason = %v, want validation", got)
	}
}
