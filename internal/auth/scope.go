package auth

import (
	"context"
	"sort"

	"farmreach/internal/apperr"

	"gorm.io/gorm"
)

// AssignmentStore lists the projects a user is assigned to.
type AssignmentStore interface {
	AssignedProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// Scoper resolves the project scope of an identity.
type Scoper struct {
	assignments AssignmentStore
}

func NewScoper(assignments AssignmentStore) *Scoper {
	return &Scoper{assignments: assignments}
}

func (s *Scoper) Resolve(ctx context.Context, id Identity) (Scope, error) {
	if id.Unscoped {
		return Unrestricted(), nil
	}
	ids, err := s.assignments.AssignedProjectIDs(ctx, id.UserID)
	if err != nil {
		return Scope{}, err
	}
	return Restricted(ids...), nil
}

// Scope is the set of projects an identity may read and write. The zero
// value allows nothing.
type Scope struct {
	all bool
	ids map[string]struct{}
}

func Unrestricted() Scope { return Scope{all: true} }

func Restricted(projectIDs ...string) Scope {
	set := make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		set[id] = struct{}{}
	}
	return Scope{ids: set}
}

func (s Scope) All() bool { return s.all }

// ProjectIDs returns the assigned ids in sorted order. It is nil for an
// unrestricted scope.
func (s Scope) ProjectIDs() []string {
	if s.all {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s Scope) Allows(projectID string) bool {
	if s.all {
		return true
	}
	_, ok := s.ids[projectID]
	return ok
}

// CheckWrite rejects writes into a project outside the scope.
func (s Scope) CheckWrite(projectID string) error {
	if !s.Allows(projectID) {
		return apperr.Forbidden("project out of scope")
	}
	return nil
}

// Apply returns a gorm scope restricting column to the allowed projects.
// An empty scope matches no rows.
func (s Scope) Apply(column string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch {
		case s.all:
			return db
		case len(s.ids) == 0:
			return db.Where("1 = 0")
		default:
			return db.Where(column+" IN ?", s.ProjectIDs())
		}
	}
}
