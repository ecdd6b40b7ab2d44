package moderation

import (
	"sort"
	"sync"

	"github.com/ButyrinIA/remy/internal/models"
)

// Selection is the set of queue items a moderator picked for a bulk action.
type Selection struct {
	mu   sync.Mutex
	keys map[models.ItemKey]struct{}
}

// NewSelection returns a selection holding keys.
func NewSelection(keys ...models.ItemKey) *Selection {
	s := &Selection{keys: make(map[models.ItemKey]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

func (s *Selection) Add(k models.ItemKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k] = struct{}{}
}

func (s *Selection) Remove(k models.ItemKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, k)
}

// Toggle flips k and reports whether it is selected afterwards.
func (s *Selection) Toggle(k models.ItemKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k]; ok {
		delete(s.keys, k)
		return false
	}
	s.keys[k] = struct{}{}
	return true
}

// Has reports whether k is selected.
func (s *Selection) Has(k models.ItemKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[k]
	return ok
}

func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Keys returns the selected keys ordered by type, then id.
func (s *Selection) Keys() []models.ItemKey {
	s.mu.Lock()
	out := make([]models.ItemKey, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clear unselects everything.
func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[models.ItemKey]struct{})
}
