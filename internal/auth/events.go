package auth

import (
	"sync"

	"geminichat/internal/models"
)

type subscribers struct {
	mu     sync.RWMutex
	nextID uint64
	byUser map[string]map[uint64]func(*models.User)
}

func newSubscribers() *subscribers {
	return &subscribers{byUser: make(map[string]map[uint64]func(*models.User))}
}

func (s *subscribers) add(userID string, fn func(*models.User)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[uint64]func(*models.User))
	}
	s.byUser[userID][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byUser[userID], id)
			if len(s.byUser[userID]) == 0 {
				delete(s.byUser, userID)
			}
		})
	}
}

func (s *subscribers) notify(userID string, user *models.User) {
	s.mu.RLock()
	fns := make([]func(*models.User), 0, len(s.byUser[userID]))
	for _, fn := range s.byUser[userID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		if user == nil {
			fn(nil)
			continue
		}
		cp := *user
		fn(&cp)
	}
}
