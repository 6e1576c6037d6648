package handlers

import (
	"net/http"
	"strings"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"
	"farmreach/internal/store"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ListPermissions(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		perms := []models.Permission{}
		if err := db.WithContext(r.Context()).Order("code").Find(&perms).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list permissions", err))
			return
		}
		respondJSON(w, perms)
	}
}

// CreatePermission adds a code and links it to the Administrator role only.
// Other roles, unscoped or not, need an explicit grant.
func CreatePermission(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
		req.Name = strings.TrimSpace(req.Name)
		if !auth.ValidCode(req.Code) {
			respondError(w, r, lg, apperr.Validation("code must be UPPER_SNAKE_CASE"))
			return
		}
		if req.Name == "" {
			respondError(w, r, lg, apperr.Validation("name required"))
			return
		}
		taken, err := store.Exists(ctx, db, &models.Permission{}, "code = ?", req.Code)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if taken {
			respondError(w, r, lg, apperr.Conflict("permission %s already exists", req.Code))
			return
		}
		perm := models.Permission{Code: req.Code, Name: req.Name}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&perm).Error; err != nil {
				return err
			}
			var admin models.Role
			if err := tx.First(&admin, "name = ?", store.AdminRoleName).Error; err != nil {
				return err
			}
			return tx.Model(&admin).Association("Permissions").Append(&perm)
		})
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("create permission", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "PERMISSION_CREATED", map[string]any{"code": perm.Code})
		respondStatus(w, http.StatusCreated, perm)
	}
}

// DeletePermission removes a custom code that no role links to.
func DeletePermission(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := uintParam(r, "id", "permission")
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var perm models.Permission
		if err := db.WithContext(ctx).First(&perm, id).Error; err != nil {
			respondError(w, r, lg, store.Classify(err, "permission"))
			return
		}
		if auth.IsBuiltin(perm.Code) {
			respondError(w, r, lg, apperr.Conflict("built-in permission %s cannot be deleted", perm.Code))
			return
		}
		var linked int64
		if err := db.WithContext(ctx).Table("role_permissions").
			Where("permission_id = ?", perm.ID).Count(&linked).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("count permission links", err))
			return
		}
		if linked > 0 {
			respondError(w, r, lg, apperr.Conflict("permission %s is linked to %d role(s)", perm.Code, linked))
			return
		}
		if err := db.WithContext(ctx).Delete(&models.Permission{}, perm.ID).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("delete permission", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "PERMISSION_DELETED", map[string]any{"code": perm.Code})
		respondJSON(w, map[string]any{"deleted": true})
	}
}
