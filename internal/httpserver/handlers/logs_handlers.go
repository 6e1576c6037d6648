package handlers

import (
	"net/http"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MyLogs returns the caller's audit entries. all=1 returns every user's
// entries and requires VIEW_AUDIT_LOGS.
func MyLogs(db *gorm.DB, lg *zap.SugaredLogger, resolver *auth.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := identity(r)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		q := db.WithContext(r.Context())
		if r.URL.Query().Get("all") == "1" {
			if err := resolver.Authorize(r.Context(), id, auth.PermViewAuditLogs); err != nil {
				respondError(w, r, lg, err)
				return
			}
		} else {
			q = q.Where("user_id = ?", id.UserID)
		}
		if action := r.URL.Query().Get("action"); action != "" {
			q = q.Where("action = ?", action)
		}
		limit, offset := pageParams(r)
		logs := []models.AuditLog{}
		if err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&logs).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list audit logs", err))
			return
		}
		respondJSON(w, logs)
	}
}
