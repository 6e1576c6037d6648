package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, v interface{}) {
	respondStatus(w, http.StatusOK, v)
}

func respondStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// respondError writes err with its mapped status. Dependency failures are
// logged with request context; callers only see a generic message.
func respondError(w http.ResponseWriter, r *http.Request, lg *zap.SugaredLogger, err error) {
	if apperr.Is(err, apperr.KindDependency) {
		lg.Errorw("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"user_id", auth.Subject(r.Context()),
		)
	}
	apperr.Write(w, err)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body required")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		return auth.Identity{}, apperr.Unauthenticated("authentication required")
	}
	return id, nil
}

func requestScope(r *http.Request, scoper *auth.Scoper) (auth.Identity, auth.Scope, error) {
	id, err := identity(r)
	if err != nil {
		return auth.Identity{}, auth.Scope{}, err
	}
	scope, err := scoper.Resolve(r.Context(), id)
	return id, scope, err
}

// audit records an action. A failed audit write is logged but does not undo
// or fail the already-applied change.
func audit(ctx context.Context, db *gorm.DB, lg *zap.SugaredLogger, userID, action string, md map[string]any) {
	if err := store.New(db).Audit(ctx, userID, action, md); err != nil {
		lg.Warnw("audit write failed", "action", action, "error", err)
	}
}

func uintParam(r *http.Request, name, entity string) (uint, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil || n == 0 {
		return 0, apperr.NotFound(entity)
	}
	return uint(n), nil
}

// idParam reads a uuid path parameter. Malformed ids are reported as not
// found so they never reach a uuid column.
func idParam(r *http.Request, name, entity string) (string, error) {
	v := chi.URLParam(r, name)
	if _, err := uuid.Parse(v); err != nil {
		return "", apperr.NotFound(entity)
	}
	return v, nil
}

func validEmail(email string) bool {
	addr, err := netmail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@"):], ".")
}

const dateLayout = "2006-01-02"

func parseDate(field, s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be a date in YYYY-MM-DD form", field)
	}
	return t, nil
}

func optionalDate(field string, s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseDate(field, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func checkRange(start, end *time.Time) error {
	if start != nil && end != nil && !start.Before(*end) {
		return apperr.Validation("start_date must be before end_date")
	}
	return nil
}

func assignUser(db *gorm.DB, projectID, userID string) error {
	return db.Table("project_users").
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(map[string]interface{}{"project_id": projectID, "user_id": userID}).Error
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 500)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
