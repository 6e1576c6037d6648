package handlers

import (
	"net/http"
	"strings"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"
	"farmreach/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func builtinRole(name string) bool {
	return name == store.AdminRoleName || name == store.UserRoleName
}

func loadRole(r *http.Request, db *gorm.DB) (*models.Role, error) {
	id, err := uintParam(r, "id", "role")
	if err != nil {
		return nil, err
	}
	var role models.Role
	if err := db.WithContext(r.Context()).First(&role, id).Error; err != nil {
		return nil, store.Classify(err, "role")
	}
	return &role, nil
}

func permissionsByCode(db *gorm.DB, codes []string) ([]models.Permission, error) {
	perms := []models.Permission{}
	if len(codes) == 0 {
		return perms, nil
	}
	if err := db.Where("code IN ?", codes).Find(&perms).Error; err != nil {
		return nil, apperr.Dependency("load permissions", err)
	}
	found := make(map[string]bool, len(perms))
	for _, p := range perms {
		found[p.Code] = true
	}
	var missing []string
	for _, c := range codes {
		if !found[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("unknown permission codes: %s", strings.Join(missing, ", "))
	}
	return perms, nil
}

func ListRoles(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roles := []models.Role{}
		if err := db.WithContext(r.Context()).Preload("Permissions").Order("name").Find(&roles).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list roles", err))
			return
		}
		respondJSON(w, roles)
	}
}

func CreateRole(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Name        string   `json:"name"`
			Unscoped    bool     `json:"unscoped"`
			Permissions []string `json:"permissions"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			respondError(w, r, lg, apperr.Validation("name required"))
			return
		}
		taken, err := store.Exists(ctx, db, &models.Role{}, "name = ?", req.Name)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if taken {
			respondError(w, r, lg, apperr.Conflict("role %q already exists", req.Name))
			return
		}
		perms, err := permissionsByCode(db.WithContext(ctx), req.Permissions)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		role := models.Role{Name: req.Name, Unscoped: req.Unscoped, Permissions: perms}
		if err := db.WithContext(ctx).Create(&role).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("create role", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "ROLE_CREATED", map[string]any{"role": role.Name, "permissions": req.Permissions})
		respondStatus(w, http.StatusCreated, role)
	}
}

func UpdateRole(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Name     *string `json:"name"`
			Unscoped *bool   `json:"unscoped"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		role, err := loadRole(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		changes := map[string]interface{}{}
		if req.Name != nil && strings.TrimSpace(*req.Name) != role.Name {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				respondError(w, r, lg, apperr.Validation("name required"))
				return
			}
			if builtinRole(role.Name) {
				respondError(w, r, lg, apperr.Conflict("built-in role %q cannot be renamed", role.Name))
				return
			}
			taken, err := store.Exists(ctx, db, &models.Role{}, "name = ? AND id <> ?", name, role.ID)
			if err != nil {
				respondError(w, r, lg, err)
				return
			}
			if taken {
				respondError(w, r, lg, apperr.Conflict("role %q already exists", name))
				return
			}
			changes["name"] = name
		}
		if req.Unscoped != nil && *req.Unscoped != role.Unscoped {
			if builtinRole(role.Name) {
				respondError(w, r, lg, apperr.Conflict("scope of built-in role %q cannot be changed", role.Name))
				return
			}
			changes["unscoped"] = *req.Unscoped
		}
		if len(changes) > 0 {
			if err := db.WithContext(ctx).Model(&models.Role{}).Where("id = ?", role.ID).
				Updates(changes).Error; err != nil {
				respondError(w, r, lg, apperr.Dependency("update role", err))
				return
			}
			audit(ctx, db, lg, auth.Subject(ctx), "ROLE_UPDATED", map[string]any{"role_id": role.ID, "changes": changes})
		}
		respondJSON(w, map[string]any{"updated": true})
	}
}

func DeleteRole(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		role, err := loadRole(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if builtinRole(role.Name) {
			respondError(w, r, lg, apperr.Conflict("built-in role %q cannot be deleted", role.Name))
			return
		}
		inUse, err := store.Exists(ctx, db, &models.User{}, "role_id = ?", role.ID)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if inUse {
			respondError(w, r, lg, apperr.Conflict("role %q is assigned to users", role.Name))
			return
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(role).Association("Permissions").Clear(); err != nil {
				return err
			}
			return tx.Delete(&models.Role{}, role.ID).Error
		})
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("delete role", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "ROLE_DELETED", map[string]any{"role": role.Name})
		respondJSON(w, map[string]any{"deleted": true})
	}
}

func ListRolePermissions(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, err := loadRole(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		codes, err := store.New(db).PermissionCodes(r.Context(), role.ID)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		respondJSON(w, codes)
	}
}

// GrantPermission links a permission code to a role. It takes effect on the
// next request of every user holding the role.
func GrantPermission(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		role, perm, err := rolePermission(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := db.WithContext(ctx).Model(role).Association("Permissions").Append(perm); err != nil {
			respondError(w, r, lg, apperr.Dependency("grant permission", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "PERMISSION_GRANTED", map[string]any{"role": role.Name, "code": perm.Code})
		respondJSON(w, map[string]any{"granted": true})
	}
}

// RevokePermission unlinks a code from a role. The Administrator role keeps
// every link, and no caller can drop MANAGE_ROLES from their own role.
func RevokePermission(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := identity(r)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		role, perm, err := rolePermission(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if role.Name == store.AdminRoleName {
			respondError(w, r, lg, apperr.Conflict("permissions of %q cannot be revoked", role.Name))
			return
		}
		if role.ID == id.RoleID && perm.Code == auth.PermManageRoles {
			respondError(w, r, lg, apperr.Conflict("cannot revoke %s from your own role", perm.Code))
			return
		}
		if err := db.WithContext(ctx).Model(role).Association("Permissions").Delete(perm); err != nil {
			respondError(w, r, lg, apperr.Dependency("revoke permission", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "PERMISSION_REVOKED", map[string]any{"role": role.Name, "code": perm.Code})
		respondJSON(w, map[string]any{"revoked": true})
	}
}

func rolePermission(r *http.Request, db *gorm.DB) (*models.Role, *models.Permission, error) {
	role, err := loadRole(r, db)
	if err != nil {
		return nil, nil, err
	}
	var perm models.Permission
	code := strings.ToUpper(chi.URLParam(r, "code"))
	if err := db.WithContext(r.Context()).First(&perm, "code = ?", code).Error; err != nil {
		return nil, nil, store.Classify(err, "permission")
	}
	return role, &perm, nil
}
