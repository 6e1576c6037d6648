// Package store is the credential store used by the authentication and
// authorization core. It wraps gorm and classifies failures with apperr.
package store

import (
	"context"
	"errors"
	"strings"

	"farmreach/internal/apperr"
	"farmreach/internal/models"

	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

// UserByID loads a user with its role.
func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Preload("Role").First(&u, "id = ?", id).Error; err != nil {
		return nil, classify(err, "user")
	}
	return &u, nil
}

// UserByEmail looks a user up by case-insensitive email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Preload("Role").
		First(&u, "email = ?", NormalizeEmail(email)).Error
	if err != nil {
		return nil, classify(err, "user")
	}
	return &u, nil
}

// PermissionCodes lists the codes linked to roleID, sorted.
func (s *Store) PermissionCodes(ctx context.Context, roleID uint) ([]string, error) {
	codes := []string{}
	err := s.db.WithContext(ctx).
		Table("permissions").
		Joins("JOIN role_permissions ON role_permissions.permission_id = permissions.id").
		Where("role_permissions.role_id = ?", roleID).
		Order("permissions.code").
		Pluck("permissions.code", &codes).Error
	if err != nil {
		return nil, apperr.Dependency("load role permissions", err)
	}
	return codes, nil
}

// AssignedProjectIDs lists the projects userID is assigned to.
func (s *Store) AssignedProjectIDs(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).
		Table("project_users").
		Where("user_id = ?", userID).
		Pluck("project_id", &ids).Error
	if err != nil {
		return nil, apperr.Dependency("load project assignments", err)
	}
	return ids, nil
}

// Audit appends an audit entry. userID may be empty for anonymous events.
func (s *Store) Audit(ctx context.Context, userID, action string, metadata map[string]any) error {
	entry := models.AuditLog{Action: action, Metadata: models.NewJSONB(metadata)}
	if userID != "" {
		entry.UserID = &userID
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return apperr.Dependency("write audit log", err)
	}
	return nil
}

// Exists reports whether any row of model matches the condition. Lookup
// failures are returned, never treated as "absent".
func Exists(ctx context.Context, db *gorm.DB, model any, query string, args ...any) (bool, error) {
	var n int64
	if err := db.WithContext(ctx).Model(model).Where(query, args...).Count(&n).Error; err != nil {
		return false, apperr.Dependency("existence check", err)
	}
	return n > 0, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Classify maps a gorm error for entity to the apperr taxonomy.
func Classify(err error, entity string) error { return classify(err, entity) }

func classify(err error, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(entity)
	}
	return apperr.Dependency("query "+entity, err)
}
