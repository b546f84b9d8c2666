package chat

import (
	"errors"
	"testing"
)

func TestSelectionTransitions(t *testing.T) {
	s := NewSelection()
	if _, err := s.Toggle("a"); !errors.Is(err, ErrNotSelecting) {
		t.Fatalf("toggle while idle: %v", err)
	}

	s.Enter()
	if !s.Active() {
		t.Fatalf("expected selecting")
	}
	for _, id := range []string{"b", "a", "c"} {
		if on, err := s.Toggle(id); err != nil || !on {
			t.Fatalf("toggle %s on: %v %v", id, on, err)
		}
	}
	if on, _ := s.Toggle("c"); on {
		t.Fatalf("second toggle should deselect")
	}
	if got := s.Selected(); !equalStrings(got, []string{"a", "b"}) {
		t.Fatalf("selected = %v", got)
	}

	s.Enter()
	if !s.IsSelected("a") {
		t.Fatalf("re-entering dropped the set")
	}

	s.Cancel()
	if s.Active() || len(s.Selected()) != 0 {
		t.Fatalf("cancel should clear the set")
	}

	s.Enter()
	_, _ = s.Toggle("a")
	s.Confirm()
	if s.Active() || s.IsSelected("a") {
		t.Fatalf("confirm should return to idle")
	}
}
