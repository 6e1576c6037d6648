package auth

import (
	"context"
	"errors"
	"sync"

	"farmreach/internal/apperr"
	"farmreach/internal/models"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory credential store for middleware tests.
type memStore struct {
	mu          sync.Mutex
	users       map[string]models.User
	links       map[uint][]string
	assignments map[string][]string
	fail        bool
	lookups     int
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]models.User{},
		links:       map[uint][]string{},
		assignments: map[string][]string{},
	}
}

func (s *memStore) UserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.fail {
		return nil, apperr.Dependency("query user", errStoreDown)
	}
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	return &u, nil
}

func (s *memStore) PermissionCodes(_ context.Context, roleID uint) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.fail {
		return nil, apperr.Dependency("load role permissions", errStoreDown)
	}
	return append([]string(nil), s.links[roleID]...), nil
}

func (s *memStore) AssignedProjectIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, apperr.Dependency("load project assignments", errStoreDown)
	}
	return append([]string(nil), s.assignments[userID]...), nil
}
