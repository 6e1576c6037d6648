package auth

import (
	"context"
	"net/http"
	"strings"

	"farmreach/internal/apperr"
	"farmreach/internal/metrics"
	"farmreach/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdentityStore loads a user with its role preloaded. A missing user is
// reported as an apperr.KindNotFound error.
type IdentityStore interface {
	UserByID(ctx context.Context, id string) (*models.User, error)
}

// Gate authenticates bearer tokens and re-checks the account on every
// request, so deactivation takes effect before the token expires.
type Gate struct {
	codec *Codec
	users IdentityStore
	lg    *zap.SugaredLogger
}

func NewGate(codec *Codec, users IdentityStore, lg *zap.SugaredLogger) *Gate {
	return &Gate{codec: codec, users: users, lg: lg}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if apperr.Is(err, apperr.KindDependency) {
				g.lg.Errorw("authentication lookup failed", "error", err, "path", r.URL.Path)
			}
			apperr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Authenticate resolves the Authorization header value to an active identity.
func (g *Gate) Authenticate(ctx context.Context, header string) (Identity, error) {
	raw, ok := bearerToken(header)
	if !ok {
		metrics.GateDecisions.WithLabelValues("no_token").Inc()
		return Identity{}, apperr.Unauthenticated("missing bearer token")
	}
	claims, err := g.codec.Verify(raw)
	if err != nil {
		metrics.GateDecisions.WithLabelValues("invalid_token").Inc()
		return Identity{}, apperr.Unauthenticated("invalid or expired token")
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		metrics.GateDecisions.WithLabelValues("invalid_token").Inc()
		return Identity{}, apperr.Unauthenticated("invalid or expired token")
	}
	u, err := g.users.UserByID(ctx, claims.UserID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		metrics.GateDecisions.WithLabelValues("inactive").Inc()
		return Identity{}, apperr.Forbidden("account inactive")
	case err != nil:
		metrics.GateDecisions.WithLabelValues("error").Inc()
		return Identity{}, err
	case !u.IsActive || !u.ActivationStatus:
		metrics.GateDecisions.WithLabelValues("inactive").Inc()
		return Identity{}, apperr.Forbidden("account inactive")
	}
	metrics.GateDecisions.WithLabelValues("ok").Inc()
	return Identity{
		UserID:   u.ID,
		Email:    u.Email,
		RoleID:   u.RoleID,
		RoleName: u.Role.Name,
		Unscoped: u.Role.Unscoped,
	}, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
