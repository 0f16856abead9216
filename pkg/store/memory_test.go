package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/snowflake"
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	return NewMemory(node)
}

func TestCreateDirectDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, created, err := s.CreateDirect(ctx, "2", "3")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first call should create the conversation")
	}

	// Reversed argument order must resolve to the same conversation.
	second, created, err := s.CreateDirect(ctx, "3", "2")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should not create a new conversation")
	}
	if first.ID != second.ID {
		t.Errorf("dedup broken: %s vs %s", first.ID, second.ID)
	}
}

func TestCreateDirectConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "1", "2"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := s.CreateDirect(ctx, a, b)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got conversation %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestCreateDirectValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, _, err := s.CreateDirect(ctx, "1", "1"); !errors.Is(err, ErrValidation) {
		t.Errorf("self-conversation: got %v, want ErrValidation", err)
	}
	if _, _, err := s.CreateDirect(ctx, "", "2"); !errors.Is(err, ErrValidation) {
		t.Errorf("empty user: got %v, want ErrValidation", err)
	}
}

func TestCreateGroupIncludesCreator(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateGroup(ctx, "Ops Team", "5", []string{"6", "7"})
	if err != nil {
		t.Fatal(err)
	}

	participants, err := s.Participants(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(participants) != 3 {
		t.Fatalf("got %d participants, want 3", len(participants))
	}
	want := map[string]bool{"5": true, "6": true, "7": true}
	for _, p := range participants {
		if !want[p.UserID] {
			t.Errorf("unexpected participant %s", p.UserID)
		}
	}
}

func TestCreateGroupRequiresName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.CreateGroup(ctx, "", "5", []string{"6"}); !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestParticipantMutationErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateGroup(ctx, "Ops Team", "5", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddParticipant(ctx, conv.ID, "6"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddParticipant(ctx, conv.ID, "6"); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("double add: got %v, want ErrAlreadyMember", err)
	}

	if err := s.RemoveParticipant(ctx, conv.ID, "6"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveParticipant(ctx, conv.ID, "6"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("double remove: got %v, want ErrNotParticipant", err)
	}

	if _, err := s.AddParticipant(ctx, "no-such-conversation", "6"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation: got %v, want ErrNotFound", err)
	}
}

func TestDeleteRestrictedToCreator(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateGroup(ctx, "Ops Team", "5", []string{"6"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, conv.ID, "6"); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-creator delete: got %v, want ErrForbidden", err)
	}
	if err := s.Delete(ctx, conv.ID, "5"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}

func TestDeleteDirectFreesPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, first.ID, "1"); err != nil {
		t.Fatal(err)
	}

	second, created, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID == first.ID {
		t.Error("deleting a direct conversation should free the pair for recreation")
	}
}

func TestAppendRequiresParticipant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Append(ctx, conv.ID, "3", "hello", model.MessageText); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider send: got %v, want ErrNotParticipant", err)
	}
	if _, err := s.Append(ctx, conv.ID, "1", "", model.MessageText); !errors.Is(err, ErrValidation) {
		t.Errorf("empty content: got %v, want ErrValidation", err)
	}
}

func TestPageReverseChronological(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	var sent []*model.Message
	for _, content := range []string{"m1", "m2", "m3"} {
		msg, err := s.Append(ctx, conv.ID, "1", content, model.MessageText)
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, msg)
	}

	page, err := s.Page(ctx, conv.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("got %d messages, want 3", len(page))
	}
	for i, want := range []string{"m3", "m2", "m1"} {
		if page[i].Content != want {
			t.Errorf("page[%d] = %q, want %q", i, page[i].Content, want)
		}
	}

	// Cursor paging: everything strictly older than m2.
	older, err := s.Page(ctx, conv.ID, sent[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].Content != "m1" {
		t.Errorf("cursor page = %+v, want just m1", older)
	}
}

func TestEditContentSenderRestricted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := s.Append(ctx, conv.ID, "1", "draft", model.MessageText)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.EditContent(ctx, conv.ID, msg.ID, "2", "hijacked"); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-sender edit: got %v, want ErrForbidden", err)
	}

	edited, err := s.EditContent(ctx, conv.ID, msg.ID, "1", "final")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "final" || edited.ID != msg.ID {
		t.Errorf("edit result = %+v", edited)
	}
}

func TestUnreadAccounting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	// Cursor granularity is a millisecond; step past the join timestamp.
	time.Sleep(2 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, conv.ID, "1", "ping", model.MessageText); err != nil {
			t.Fatal(err)
		}
	}
	// The user's own messages never count as unread.
	if _, err := s.Append(ctx, conv.ID, "2", "pong", model.MessageText); err != nil {
		t.Fatal(err)
	}

	n, err := s.UnreadCount(ctx, "2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("before read: unread = %d, want 3", n)
	}

	if _, err := s.MarkRead(ctx, conv.ID, "2"); err != nil {
		t.Fatal(err)
	}
	n, err = s.UnreadCount(ctx, "2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("after read: unread = %d, want 0", n)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := s.Append(ctx, conv.ID, "1", "again", model.MessageText); err != nil {
		t.Fatal(err)
	}
	n, err = s.UnreadCount(ctx, "2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("after new message: unread = %d, want 1", n)
	}
}

func TestMarkReadNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conv, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.MarkRead(ctx, conv.ID, "2")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.MarkRead(ctx, conv.ID, "2")
	if err != nil {
		t.Fatal(err)
	}
	if second.Before(first) {
		t.Errorf("cursor regressed: %v then %v", first, second)
	}
}

func TestListForUserRecencyOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _, err := s.CreateDirect(ctx, "1", "2")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateGroup(ctx, "Ops Team", "1", []string{"3"})
	if err != nil {
		t.Fatal(err)
	}

	// Activity in the older conversation moves it back to the front.
	if err := s.TouchRecency(ctx, a.ID, []string{"1", "2"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListForUser(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d conversations, want 2", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, a.ID, b.ID)
	}
}
