package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mkhare/orgchat/pkg/model"
)

type fakeConn struct {
	id     string
	userID string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(payload []byte) error { return nil }

func conn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func TestPresenceAggregation(t *testing.T) {
	r := New()

	const n = 4
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = conn(fmt.Sprintf("c%d", i), "u1")
		change := r.Register(conns[i])
		if i == 0 && change == nil {
			t.Fatal("first connection must flip presence to online")
		}
		if i > 0 && change != nil {
			t.Errorf("connection %d produced a spurious transition %+v", i, change)
		}
	}

	var offlineFlips int
	for i := 0; i < n; i++ {
		_, change := r.Unregister(conns[i])
		if change != nil {
			if change.Status != model.StatusOffline {
				t.Errorf("got status %s, want offline", change.Status)
			}
			offlineFlips++
			if i != n-1 {
				t.Errorf("offline flip on disconnect %d of %d", i+1, n)
			}
		}
	}
	if offlineFlips != 1 {
		t.Errorf("offline fired %d times, want exactly once", offlineFlips)
	}
}

func TestOfflineOverridesBusy(t *testing.T) {
	r := New()
	c := conn("c1", "u1")
	r.Register(c)

	if _, ok := r.SetStatus("u1", model.StatusBusy); !ok {
		t.Fatal("busy should be accepted with a live connection")
	}
	if got := r.Presence("u1").Status; got != model.StatusBusy {
		t.Fatalf("status = %s, want busy", got)
	}

	_, change := r.Unregister(c)
	if change == nil || change.Status != model.StatusOffline {
		t.Errorf("last disconnect must force offline, got %+v", change)
	}
	if got := r.Presence("u1").Status; got != model.StatusOffline {
		t.Errorf("status = %s, want offline", got)
	}
}

func TestSetStatusWithoutConnections(t *testing.T) {
	r := New()

	if change, ok := r.SetStatus("ghost", model.StatusBusy); ok || change != nil {
		t.Error("status update for a user with zero connections must be ignored")
	}
	if got := r.Presence("ghost").Status; got != model.StatusOffline {
		t.Errorf("status = %s, want offline", got)
	}

	// Offline can never be requested explicitly.
	c := conn("c1", "u1")
	r.Register(c)
	if _, ok := r.SetStatus("u1", model.StatusOffline); ok {
		t.Error("explicit offline must be rejected")
	}
}

func TestUnregisterReturnsJoinedRooms(t *testing.T) {
	r := New()
	c := conn("c1", "u1")
	r.Register(c)

	for _, room := range []string{"conv-a", "conv-b"} {
		if _, ok := r.JoinRoom(c.ID(), room); !ok {
			t.Fatalf("join %s failed", room)
		}
	}

	rooms, _ := r.Unregister(c)
	if len(rooms) != 2 {
		t.Fatalf("got rooms %v, want both joined rooms", rooms)
	}

	// Unregistering twice must be harmless.
	rooms, change := r.Unregister(c)
	if rooms != nil || change != nil {
		t.Error("second unregister must be a no-op")
	}
}

func TestJoinRoomIdempotent(t *testing.T) {
	r := New()
	c := conn("c1", "u1")
	r.Register(c)

	if already, ok := r.JoinRoom(c.ID(), "conv-a"); already || !ok {
		t.Fatalf("first join: already=%v ok=%v", already, ok)
	}
	if already, ok := r.JoinRoom(c.ID(), "conv-a"); !already || !ok {
		t.Fatalf("re-join: already=%v ok=%v", already, ok)
	}
	if got := len(r.RoomConns("conv-a")); got != 1 {
		t.Errorf("room has %d connections, want 1", got)
	}
}

func TestEvictUserFromRoom(t *testing.T) {
	r := New()
	c1, c2 := conn("c1", "u1"), conn("c2", "u1")
	r.Register(c1)
	r.Register(c2)
	r.JoinRoom(c1.ID(), "conv-a")
	r.JoinRoom(c2.ID(), "conv-a")

	r.EvictUserFromRoom("u1", "conv-a")
	if got := len(r.RoomConns("conv-a")); got != 0 {
		t.Errorf("room has %d connections after eviction, want 0", got)
	}
}

func TestConcurrentRegistryMutations(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := conn(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i%4))
			r.Register(c)
			r.JoinRoom(c.ID(), "conv-a")
			r.RoomConns("conv-a")
			r.Unregister(c)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		user := fmt.Sprintf("u%d", i)
		if n := r.ConnCount(user); n != 0 {
			t.Errorf("user %s still has %d connections", user, n)
		}
		if got := r.Presence(user).Status; got != model.StatusOffline {
			t.Errorf("user %s status = %s, want offline", user, got)
		}
	}
}
