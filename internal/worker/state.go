package worker

import (
	"sync"

	"animehome/internal/models"
)

// characterState is the in-process layer in front of the redis cache.
//
// Every purge bumps the character's version. A reader captures the version
// before going to the store and only fills the cache if it is unchanged, so a
// read that raced with an invalidation cannot reinstall what it replaced.
type characterState struct {
	mu         sync.RWMutex
	characters map[int64]*models.Character
	history    map[int64][]models.Message
	versions   map[int64]uint64
	epoch      uint64 // bumped by reset
}

type stateVersion struct {
	epoch uint64
	seq   uint64
}

func newCharacterState() *characterState {
	return &characterState{
		characters: make(map[int64]*models.Character),
		history:    make(map[int64][]models.Message),
		versions:   make(map[int64]uint64),
	}
}

func (s *characterState) version(characterID int64) stateVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versionLocked(characterID)
}

func (s *characterState) versionLocked(characterID int64) stateVersion {
	return stateVersion{epoch: s.epoch, seq: s.versions[characterID]}
}

// setCharacter stores c unless the character was purged since ver was taken.
func (s *characterState) setCharacter(c *models.Character, ver stateVersion) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versionLocked(c.ID) != ver {
		return false
	}
	s.characters[c.ID] = c
	return true
}

func (s *characterState) getCharacter(characterID int64) *models.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.characters[characterID]
}

func (s *characterState) setHistory(characterID int64, history []models.Message, ver stateVersion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versionLocked(characterID) != ver {
		return false
	}
	s.history[characterID] = history
	return true
}

// getHistory returns a copy so callers may slice and reorder freely.
func (s *characterState) getHistory(characterID int64) ([]models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.history[characterID]
	if !ok {
		return nil, false
	}
	out := make([]models.Message, len(history))
	copy(out, history)
	return out, true
}

func (s *characterState) purge(characterID int64) {
	s.mu.Lock()
	delete(s.characters, characterID)
	delete(s.history, characterID)
	s.versions[characterID]++
	s.mu.Unlock()
}

func (s *characterState) reset() {
	s.mu.Lock()
	s.characters = make(map[int64]*models.Character)
	s.history = make(map[int64][]models.Message)
	s.epoch++
	s.mu.Unlock()
}
