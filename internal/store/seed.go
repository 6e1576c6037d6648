package store

import (
	"context"
	"errors"
	"fmt"

	"farmreach/internal/auth"
	"farmreach/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	AdminRoleName = "Administrator"
	UserRoleName  = "User"
)

type SeedOptions struct {
	AdminEmail    string
	AdminPassword string
}

// Seed creates the built-in permissions, the administrator and default user
// roles, and the first administrator account. It is idempotent and never
// restores a link an administrator removed: a role gets its default links
// only when it is created, and the administrator role is linked to a
// built-in code only when that code is first inserted.
func Seed(ctx context.Context, db *gorm.DB, opts SeedOptions, lg *zap.SugaredLogger) error {
	db = db.WithContext(ctx)

	var existing []string
	if err := db.Model(&models.Permission{}).Pluck("code", &existing).Error; err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}
	var added []models.Permission
	for _, p := range auth.BuiltinPermissions {
		if !have[p.Code] {
			added = append(added, models.Permission{Code: p.Code, Name: p.Name})
		}
	}
	if len(added) > 0 {
		if err := db.Create(&added).Error; err != nil {
			return fmt.Errorf("seed permissions: %w", err)
		}
	}

	admin, created, err := seedRole(db, AdminRoleName, true)
	if err != nil {
		return err
	}
	adminLinks := added
	if created {
		var all []models.Permission
		if err := db.Find(&all).Error; err != nil {
			return fmt.Errorf("load permissions: %w", err)
		}
		adminLinks = all
	}
	if len(adminLinks) > 0 {
		if err := db.Model(admin).Association("Permissions").Append(adminLinks); err != nil {
			return fmt.Errorf("link admin permissions: %w", err)
		}
	}

	user, created, err := seedRole(db, UserRoleName, false)
	if err != nil {
		return err
	}
	if created {
		var defaults []models.Permission
		if err := db.Where("code IN ?", auth.DefaultUserPermissions).Find(&defaults).Error; err != nil {
			return fmt.Errorf("load default permissions: %w", err)
		}
		if err := db.Model(user).Association("Permissions").Append(defaults); err != nil {
			return fmt.Errorf("link user permissions: %w", err)
		}
	}

	if opts.AdminEmail == "" || opts.AdminPassword == "" {
		lg.Warnw("admin credentials not configured, skipping admin account seed")
		return nil
	}
	email := NormalizeEmail(opts.AdminEmail)
	var count int64
	if err := db.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return fmt.Errorf("check admin account: %w", err)
	}
	if count > 0 {
		return nil
	}
	hash, err := auth.HashPassword(opts.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	u := models.User{Email: email, PasswordHash: hash, RoleID: admin.ID, IsActive: true, ActivationStatus: true}
	if err := db.Omit("Role").Create(&u).Error; err != nil {
		return fmt.Errorf("seed admin account: %w", err)
	}
	lg.Infow("seeded default admin", "email", email)
	return nil
}

// seedRole loads the named role, creating it when absent.
func seedRole(db *gorm.DB, name string, unscoped bool) (*models.Role, bool, error) {
	var role models.Role
	err := db.First(&role, "name = ?", name).Error
	if err == nil {
		return &role, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("load role %s: %w", name, err)
	}
	role = models.Role{Name: name, Unscoped: unscoped}
	if err := db.Create(&role).Error; err != nil {
		return nil, false, fmt.Errorf("seed role %s: %w", name, err)
	}
	return &role, true, nil
}
