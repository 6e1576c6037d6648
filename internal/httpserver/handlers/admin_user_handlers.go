package handlers

import (
	"errors"
	"net/http"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"
	"farmreach/internal/store"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ListUsers(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		users := []models.User{}
		if err := db.WithContext(r.Context()).Preload("Role").
			Order("created_at desc").Limit(limit).Offset(offset).
			Find(&users).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list users", err))
			return
		}
		respondJSON(w, users)
	}
}

func roleByName(db *gorm.DB, name string) (*models.Role, error) {
	var role models.Role
	if err := db.First(&role, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("unknown role %q", name)
		}
		return nil, apperr.Dependency("load role", err)
	}
	return &role, nil
}

func CreateUser(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Email            string `json:"email"`
			Password         string `json:"password"`
			Role             string `json:"role"`
			IsActive         *bool  `json:"is_active"`
			ActivationStatus *bool  `json:"activation_status"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		req.Email = store.NormalizeEmail(req.Email)
		if !validEmail(req.Email) {
			respondError(w, r, lg, apperr.Validation("a valid email is required"))
			return
		}
		if err := auth.ValidatePassword(req.Password); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if req.Role == "" {
			req.Role = store.UserRoleName
		}
		role, err := roleByName(db.WithContext(ctx), req.Role)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		taken, err := store.Exists(ctx, db, &models.User{}, "email = ?", req.Email)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if taken {
			respondError(w, r, lg, apperr.Conflict("email already registered"))
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("hash password", err))
			return
		}
		u := models.User{
			Email:            req.Email,
			PasswordHash:     hash,
			RoleID:           role.ID,
			IsActive:         req.IsActive == nil || *req.IsActive,
			ActivationStatus: req.ActivationStatus == nil || *req.ActivationStatus,
		}
		if err := db.WithContext(ctx).Omit("Role").Create(&u).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("create user", err))
			return
		}
		u.Role = *role
		audit(ctx, db, lg, auth.Subject(ctx), "USER_CREATED", map[string]any{"user_id": u.ID, "role": role.Name})
		respondStatus(w, http.StatusCreated, u)
	}
}

func UpdateUser(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := idParam(r, "id", "user")
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req struct {
			Email            *string `json:"email"`
			Password         *string `json:"password"`
			Role             *string `json:"role"`
			IsActive         *bool   `json:"is_active"`
			ActivationStatus *bool   `json:"activation_status"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		st := store.New(db)
		u, err := st.UserByID(ctx, id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		self := id == auth.Subject(ctx)
		changes := map[string]interface{}{}
		if req.Email != nil {
			email := store.NormalizeEmail(*req.Email)
			if !validEmail(email) {
				respondError(w, r, lg, apperr.Validation("a valid email is required"))
				return
			}
			if email != u.Email {
				taken, err := store.Exists(ctx, db, &models.User{}, "email = ? AND id <> ?", email, id)
				if err != nil {
					respondError(w, r, lg, err)
					return
				}
				if taken {
					respondError(w, r, lg, apperr.Conflict("email already registered"))
					return
				}
				changes["email"] = email
			}
		}
		if req.Password != nil {
			if err := auth.ValidatePassword(*req.Password); err != nil {
				respondError(w, r, lg, err)
				return
			}
			hash, err := auth.HashPassword(*req.Password)
			if err != nil {
				respondError(w, r, lg, apperr.Dependency("hash password", err))
				return
			}
			changes["password_hash"] = hash
		}
		if req.Role != nil && *req.Role != u.Role.Name {
			if self {
				respondError(w, r, lg, apperr.Validation("cannot change the role of your own account"))
				return
			}
			role, err := roleByName(db.WithContext(ctx), *req.Role)
			if err != nil {
				respondError(w, r, lg, err)
				return
			}
			changes["role_id"] = role.ID
		}
		if req.IsActive != nil {
			if self && !*req.IsActive {
				respondError(w, r, lg, apperr.Validation("cannot deactivate your own account"))
				return
			}
			changes["is_active"] = *req.IsActive
		}
		if req.ActivationStatus != nil {
			if self && !*req.ActivationStatus {
				respondError(w, r, lg, apperr.Validation("cannot deactivate your own account"))
				return
			}
			changes["activation_status"] = *req.ActivationStatus
		}
		if len(changes) > 0 {
			if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).
				Updates(changes).Error; err != nil {
				respondError(w, r, lg, apperr.Dependency("update user", err))
				return
			}
			delete(changes, "password_hash")
			audit(ctx, db, lg, auth.Subject(ctx), "USER_UPDATED", map[string]any{"user_id": id, "changes": changes})
		}
		respondJSON(w, map[string]any{"updated": true})
	}
}

// DeleteUser removes the account with its project assignments and any
// pending OTP ticket. Messages are kept.
func DeleteUser(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := idParam(r, "id", "user")
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if id == auth.Subject(ctx) {
			respondError(w, r, lg, apperr.Validation("cannot delete your own account"))
			return
		}
		if _, err := store.New(db).UserByID(ctx, id); err != nil {
			respondError(w, r, lg, err)
			return
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("DELETE FROM project_users WHERE user_id = ?", id).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.OTPTicket{}, "user_id = ?", id).Error; err != nil {
				return err
			}
			return tx.Delete(&models.User{}, "id = ?", id).Error
		})
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("delete user", err))
			return
		}
		audit(ctx, db, lg, auth.Subject(ctx), "USER_DELETED", map[string]any{"user_id": id})
		respondJSON(w, map[string]any{"deleted": true})
	}
}
