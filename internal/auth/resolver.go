package auth

import (
	"context"
	"fmt"
	"net/http"

	"farmreach/internal/apperr"
	"farmreach/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("farmreach/auth")

// PermissionStore lists the permission codes linked to a role.
type PermissionStore interface {
	PermissionCodes(ctx context.Context, roleID uint) ([]string, error)
}

// DeniedError is returned when a role lacks a permission code.
type DeniedError struct {
	Code string
}

func (e *DeniedError) Error() string         { return "missing permission " + e.Code }
func (e *DeniedError) ErrorKind() apperr.Kind { return apperr.KindAuthorization }

// Resolver answers permission checks against the role/permission links.
// Nothing is cached: every check reads the current links.
type Resolver struct {
	perms PermissionStore
	lg    *zap.SugaredLogger
}

func NewResolver(perms PermissionStore, lg *zap.SugaredLogger) *Resolver {
	return &Resolver{perms: perms, lg: lg}
}

// Authorize returns nil when id's role is linked to code, a *DeniedError
// when it is not, and the store error otherwise.
func (r *Resolver) Authorize(ctx context.Context, id Identity, code string) error {
	ctx, span := tracer.Start(ctx, "auth.Authorize", trace.WithAttributes(
		attribute.String("permission.code", code),
		attribute.Int64("role.id", int64(id.RoleID)),
	))
	defer span.End()

	granted, err := r.granted(ctx, id, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "permission lookup failed")
		metrics.AuthzDecisions.WithLabelValues(code, "error").Inc()
		return fmt.Errorf("authorize %s: %w", code, err)
	}
	span.SetAttributes(attribute.Bool("permission.granted", granted))
	if !granted {
		metrics.AuthzDecisions.WithLabelValues(code, "denied").Inc()
		return &DeniedError{Code: code}
	}
	metrics.AuthzDecisions.WithLabelValues(code, "granted").Inc()
	return nil
}

// Granted is Authorize for optional capabilities: denial is not an error.
func (r *Resolver) Granted(ctx context.Context, id Identity, code string) (bool, error) {
	err := r.Authorize(ctx, id, code)
	if err == nil {
		return true, nil
	}
	if apperr.Is(err, apperr.KindAuthorization) {
		return false, nil
	}
	return false, err
}

// Codes lists the effective permission codes of id's role.
func (r *Resolver) Codes(ctx context.Context, id Identity) ([]string, error) {
	return r.perms.PermissionCodes(ctx, id.RoleID)
}

func (r *Resolver) granted(ctx context.Context, id Identity, code string) (bool, error) {
	linked, err := r.perms.PermissionCodes(ctx, id.RoleID)
	if err != nil {
		return false, err
	}
	for _, c := range linked {
		if c == code {
			return true, nil
		}
	}
	return false, nil
}

// Require guards a route with a single permission check. It must run after
// the Gate.
func (r *Resolver) Require(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id, ok := IdentityFrom(req.Context())
			if !ok {
				apperr.Write(w, apperr.Unauthenticated("authentication required"))
				return
			}
			if err := r.Authorize(req.Context(), id, code); err != nil {
				if apperr.Is(err, apperr.KindDependency) {
					r.lg.Errorw("permission check failed", "error", err, "code", code, "user_id", id.UserID)
				}
				apperr.Write(w, err)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
