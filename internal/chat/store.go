package chat

import (
	"sync"

	"animehome/internal/models"
)

type ChangeKind int

const (
	ChangeAppend ChangeKind = iota
	ChangeReplace
	ChangeRemove
	ChangeContent
)

// Change describes one store mutation. Snapshot is the sequence after it.
type Change struct {
	Kind     ChangeKind
	Message  models.Message // appended message, or the grown one for ChangeContent
	Delta    string         // ChangeContent only
	IDs      []string       // ChangeRemove only: ids actually removed
	Snapshot []models.Message
}

// Store is the ordered message sequence of the open session. Mutations never
// reorder existing entries. Observers run synchronously after each mutation,
// outside the lock, in mutation order.
type Store struct {
	mu        sync.RWMutex
	messages  []models.Message
	ids       map[string]struct{}
	obsMu     sync.Mutex
	observers []observer
	nextObs   uint64
}

type observer struct {
	id uint64
	fn func(Change)
}

func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Observe registers fn for every later mutation and returns a function that
// unregisters it.
func (s *Store) Observe(fn func(Change)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.observers = append(s.observers, observer{id: id, fn: fn})
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(ch Change) {
	s.obsMu.Lock()
	observers := s.observers
	s.obsMu.Unlock()
	for _, o := range observers {
		o.fn(ch)
	}
}

// observerCount reports the registered observers.
func (s *Store) observerCount() int {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return len(s.observers)
}

func (s *Store) snapshotLocked() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append adds msg at the end. Ids must be unique within the session.
func (s *Store) Append(msg models.Message) error {
	s.mu.Lock()
	if _, ok := s.ids[msg.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateMessage
	}
	s.messages = append(s.messages, msg)
	s.ids[msg.ID] = struct{}{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppend, Message: msg, Snapshot: snap})
	return nil
}

// ReplaceAll installs msgs as the whole sequence. Later duplicates of an id
// are dropped.
func (s *Store) ReplaceAll(msgs []models.Message) {
	s.mu.Lock()
	s.messages = make([]models.Message, 0, len(msgs))
	s.ids = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := s.ids[m.ID]; ok {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReplace, Snapshot: snap})
}

// RemoveMany drops every listed id that is present and returns how many were
// removed. Absent ids are ignored; removing nothing notifies nobody.
func (s *Store) RemoveMany(ids ...string) int {
	s.mu.Lock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.ids[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		s.mu.Unlock()
		return 0
	}
	kept := s.messages[:0]
	removed := make([]string, 0, len(drop))
	for _, m := range s.messages {
		if _, ok := drop[m.ID]; ok {
			delete(s.ids, m.ID)
			removed = append(removed, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(s.messages); i++ {
		s.messages[i] = models.Message{}
	}
	s.messages = kept
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemove, IDs: removed, Snapshot: snap})
	return len(removed)
}

// AppendContent concatenates delta onto the content of message id in place.
func (s *Store) AppendContent(id, delta string) bool {
	s.mu.Lock()
	idx := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[idx].Content += delta
	msg := s.messages[idx]
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeContent, Message: msg, Delta: delta, Snapshot: snap})
	return true
}

// Read returns a copy of the sequence.
func (s *Store) Read() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
