package chat

import (
	"errors"
	"testing"

	"animehome/internal/models"
)

func msg(id string, role models.Role, content string) models.Message {
	return models.Message{ID: id, Role: role, Content: content}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStoreAppendAndDuplicates(t *testing.T) {
	s := NewStore()
	if err := s.Append(msg("a", models.RoleUser, "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(msg("a", models.RoleUser, "again")); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
	if s.Len() != 1 || !s.Contains("a") {
		t.Fatalf("unexpected store state %+v", s.Read())
	}

	s.ReplaceAll([]models.Message{msg("x", models.RoleUser, "1"), msg("y", models.RoleAssistant, "2"), msg("x", models.RoleUser, "dup")})
	if got := ids(s.Read()); !equalStrings(got, []string{"x", "y"}) {
		t.Fatalf("ReplaceAll ids = %v", got)
	}
	if s.Contains("a") {
		t.Fatalf("ReplaceAll kept stale id")
	}
	if m, ok := s.Get("x"); !ok || m.Content != "1" {
		t.Fatalf("Get(x) = %+v %v", m, ok)
	}
}

func TestStoreRemoveManyKeepsOrder(t *testing.T) {
	s := NewStore()
	s.ReplaceAll([]models.Message{
		msg("1", models.RoleUser, "a"),
		msg("2", models.RoleAssistant, "b"),
		msg("3", models.RoleUser, "c"),
		msg("4", models.RoleAssistant, "d"),
	})
	if n := s.RemoveMany("3", "missing", "1"); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if got := ids(s.Read()); !equalStrings(got, []string{"2", "4"}) {
		t.Fatalf("order after remove = %v", got)
	}
	if n := s.RemoveMany("missing"); n != 0 {
		t.Fatalf("absent remove returned %d", n)
	}
	if err := s.Append(msg("1", models.RoleUser, "again")); err != nil {
		t.Fatalf("removed id should be reusable: %v", err)
	}
}

func TestStoreAppendContent(t *testing.T) {
	s := NewStore()
	_ = s.Append(msg("r", models.RoleAssistant, "Hel"))
	if !s.AppendContent("r", "lo") {
		t.Fatalf("AppendContent failed")
	}
	if s.AppendContent("missing", "x") {
		t.Fatalf("AppendContent on absent id should fail")
	}
	if m, _ := s.Get("r"); m.Content != "Hello" {
		t.Fatalf("content = %q", m.Content)
	}
}

func TestStoreObservers(t *testing.T) {
	s := NewStore()
	var kinds []ChangeKind
	var deltas []string
	unsubscribe := s.Observe(func(c Change) {
		kinds = append(kinds, c.Kind)
		if c.Kind == ChangeContent {
			deltas = append(deltas, c.Delta)
		}
	})

	_ = s.Append(msg("r", models.RoleAssistant, "a"))
	s.AppendContent("r", "b")
	s.RemoveMany("nothing")
	s.RemoveMany("r")
	s.ReplaceAll(nil)

	want := []ChangeKind{ChangeAppend, ChangeContent, ChangeRemove, ChangeReplace}
	if len(kinds) != len(want) {
		t.Fatalf("changes = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("changes = %v, want %v", kinds, want)
		}
	}
	if len(deltas) != 1 || deltas[0] != "b" {
		t.Fatalf("deltas = %v", deltas)
	}

	unsubscribe()
	_ = s.Append(msg("z", models.RoleUser, "z"))
	if len(kinds) != len(want) {
		t.Fatalf("observer called after unsubscribe")
	}
}

func TestStoreUnsubscribeReleasesObserver(t *testing.T) {
	s := NewStore()
	var order []string
	keep := s.Observe(func(Change) { order = append(order, "first") })
	defer keep()
	for i := 0; i < 100; i++ {
		unsubscribe := s.Observe(func(Change) { order = append(order, "churn") })
		unsubscribe()
		unsubscribe()
	}
	last := s.Observe(func(Change) { order = append(order, "last") })
	defer last()
	if n := s.observerCount(); n != 2 {
		t.Fatalf("observers = %d, want 2", n)
	}

	_ = s.Append(msg("a", models.RoleUser, "hi"))
	if len(order) != 2 || order[0] != "first" || order[1] != "last" {
		t.Fatalf("observer calls = %v", order)
	}
}

func TestStoreReadIsACopy(t *testing.T) {
	s := NewStore()
	_ = s.Append(msg("a", models.RoleUser, "hi"))
	snap := s.Read()
	snap[0].Content = "changed"
	if m, _ := s.Get("a"); m.Content != "hi" {
		t.Fatalf("Read exposed internal slice")
	}
}
