package chat

import (
	"sort"
	"sync"
)

// Selection is the Idle/Selecting mode plus the ids marked for batch delete.
type Selection struct {
	mu       sync.Mutex
	active   bool
	selected map[string]struct{}
}

func NewSelection() *Selection {
	return &Selection{selected: make(map[string]struct{})}
}

// Enter switches to Selecting with an empty set. Entering while already
// selecting keeps the current set.
func (s *Selection) Enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.selected = make(map[string]struct{})
}

// Toggle flips id in the set and reports whether it is now selected.
func (s *Selection) Toggle(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false, ErrNotSelecting
	}
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
		return false, nil
	}
	s.selected[id] = struct{}{}
	return true, nil
}

// Cancel discards the selection and returns to Idle.
func (s *Selection) Cancel() {
	s.reset()
}

// Confirm returns to Idle after a successful batch delete.
func (s *Selection) Confirm() {
	s.reset()
}

func (s *Selection) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.selected = make(map[string]struct{})
}

func (s *Selection) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Selection) IsSelected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.selected[id]
	return ok
}

// Selected returns the selected ids in sorted order.
func (s *Selection) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.selected))
	for id := range s.selected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
