package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"
	"farmreach/internal/otp"
	"farmreach/internal/store"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mailer delivers OTP codes without blocking the request.
type Mailer interface {
	SendAsync(to, subject, body string)
}

// Throttle bounds attempts per key. Login and OTP verification key it by
// account email so rotating client addresses does not buy more guesses.
type Throttle interface {
	Allow(key string) bool
}

var errTooManyAttempts = apperr.RateLimited("too many attempts, try again later")

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a self-service account with the default role. When
// requireApproval is set the account cannot log in until an administrator
// sets activation_status.
func Register(db *gorm.DB, lg *zap.SugaredLogger, requireApproval bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req registerReq
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
		taken, err := store.Exists(ctx, db, &models.User{}, "email = ?", req.Email)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if taken {
			respondError(w, r, lg, apperr.Conflict("email already registered"))
			return
		}
		var role models.Role
		if err := db.WithContext(ctx).First(&role, "name = ?", store.UserRoleName).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("load default role", err))
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
			IsActive:         true,
			ActivationStatus: !requireApproval,
		}
		if err := db.WithContext(ctx).Omit("Role").Create(&u).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("create user", err))
			return
		}
		audit(ctx, db, lg, u.ID, "REGISTER", map[string]any{"email": u.Email})
		respondStatus(w, http.StatusCreated, map[string]any{
			"id":                u.ID,
			"email":             u.Email,
			"role":              role.Name,
			"activation_status": u.ActivationStatus,
		})
	}
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login checks the password and issues an OTP to the account email. No
// session token is returned here.
func Login(db *gorm.DB, lg *zap.SugaredLogger, otps *otp.Manager, mailer Mailer, throttle Throttle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req loginReq
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if strings.TrimSpace(req.Email) == "" || req.Password == "" {
			respondError(w, r, lg, apperr.Validation("email and password required"))
			return
		}
		if !throttle.Allow("login:" + store.NormalizeEmail(req.Email)) {
			respondError(w, r, lg, errTooManyAttempts)
			return
		}
		u, err := store.New(db).UserByEmail(ctx, req.Email)
		if apperr.Is(err, apperr.KindNotFound) {
			respondError(w, r, lg, apperr.Unauthenticated("invalid credentials"))
			return
		}
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
			audit(ctx, db, lg, u.ID, "LOGIN_FAILED", nil)
			respondError(w, r, lg, apperr.Unauthenticated("invalid credentials"))
			return
		}
		if !u.IsActive || !u.ActivationStatus {
			respondError(w, r, lg, apperr.Forbidden("account inactive"))
			return
		}
		code, err := otps.Issue(ctx, u.ID)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		mailer.SendAsync(u.Email, "Your FarmReach login code", fmt.Sprintf(
			"Your login code is %s.\r\nIt expires in %d minutes.\r\n", code, int(otps.TTL().Minutes())))
		audit(ctx, db, lg, u.ID, "LOGIN_OTP_ISSUED", nil)
		respondJSON(w, map[string]any{
			"otp_required": true,
			"expires_in":   int(otps.TTL().Seconds()),
		})
	}
}

type verifyOTPReq struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// VerifyOTP consumes the pending code and returns a session token.
func VerifyOTP(db *gorm.DB, lg *zap.SugaredLogger, otps *otp.Manager, codec *auth.Codec, throttle Throttle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req verifyOTPReq
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		req.OTP = strings.TrimSpace(req.OTP)
		if strings.TrimSpace(req.Email) == "" || req.OTP == "" {
			respondError(w, r, lg, apperr.Validation("email and otp required"))
			return
		}
		if !throttle.Allow("otp:" + store.NormalizeEmail(req.Email)) {
			respondError(w, r, lg, errTooManyAttempts)
			return
		}
		u, err := store.New(db).UserByEmail(ctx, req.Email)
		if apperr.Is(err, apperr.KindNotFound) {
			respondError(w, r, lg, otp.ErrInvalidCode)
			return
		}
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if !u.IsActive || !u.ActivationStatus {
			respondError(w, r, lg, apperr.Forbidden("account inactive"))
			return
		}
		if err := otps.Verify(ctx, u.ID, req.OTP); err != nil {
			respondError(w, r, lg, err)
			return
		}
		token, err := codec.Issue(auth.Claims{UserID: u.ID, Email: u.Email, RoleName: u.Role.Name})
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("issue token", err))
			return
		}
		audit(ctx, db, lg, u.ID, "LOGIN", nil)
		respondJSON(w, map[string]any{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": int(codec.TTL().Seconds()),
			"user": map[string]any{
				"id":    u.ID,
				"email": u.Email,
				"role":  u.Role.Name,
			},
		})
	}
}

// Me returns the caller's identity with its effective permission codes.
func Me(lg *zap.SugaredLogger, resolver *auth.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := identity(r)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		codes, err := resolver.Codes(r.Context(), id)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		respondJSON(w, map[string]any{
			"id":          id.UserID,
			"email":       id.Email,
			"role_id":     id.RoleID,
			"role":        id.RoleName,
			"unscoped":    id.Unscoped,
			"permissions": codes,
		})
	}
}

func ChangePassword(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		u, err := store.New(db).UserByID(ctx, auth.Subject(ctx))
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := auth.CheckPassword(u.PasswordHash, req.CurrentPassword); err != nil {
			respondError(w, r, lg, apperr.Validation("current password is incorrect"))
			return
		}
		if err := auth.ValidatePassword(req.NewPassword); err != nil {
			respondError(w, r, lg, err)
			return
		}
		hash, err := auth.HashPassword(req.NewPassword)
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("hash password", err))
			return
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", u.ID).
			Update("password_hash", hash).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("update password", err))
			return
		}
		audit(ctx, db, lg, u.ID, "PASSWORD_CHANGED", nil)
		respondJSON(w, map[string]any{"updated": true})
	}
}
