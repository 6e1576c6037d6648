package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"farmreach/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminRole uint = 1
	userRole  uint = 2
)

func resolverFixture() (*Resolver, *memStore) {
	s := newMemStore()
	all := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		all = append(all, p.Code)
	}
	s.links[adminRole] = all
	s.links[userRole] = []string{PermViewProjects, PermSendMessages}
	return NewResolver(s, zap.NewNop().Sugar()), s
}

func TestAuthorizeMatchesLinksExactly(t *testing.T) {
	r, _ := resolverFixture()
	ctx := context.Background()
	user := Identity{UserID: activeID, RoleID: userRole}

	for _, p := range BuiltinPermissions {
		err := r.Authorize(ctx, user, p.Code)
		linked := p.Code == PermViewProjects || p.Code == PermSendMessages
		if linked {
			assert.NoError(t, err, p.Code)
			continue
		}
		var denied *DeniedError
		require.True(t, errors.As(err, &denied), p.Code)
		assert.Equal(t, p.Code, denied.Code)
		assert.Equal(t, http.StatusForbidden, apperr.Status(err))
	}

	assert.Error(t, r.Authorize(ctx, user, "VIEW_PROJECT"), "no prefix matching")
	assert.Error(t, r.Authorize(ctx, user, "view_projects"), "no case folding")
}

func TestAdministratorGrantedThroughLinks(t *testing.T) {
	r, _ := resolverFixture()
	admin := Identity{UserID: activeID, RoleID: adminRole, RoleName: "Administrator", Unscoped: true}

	for _, p := range BuiltinPermissions {
		assert.NoError(t, r.Authorize(context.Background(), admin, p.Code), p.Code)
	}
	assert.Error(t, r.Authorize(context.Background(), admin, "UNLINKED_CODE"),
		"the role name grants nothing by itself")
}

func TestAuthorizeSeesLinkChangesImmediately(t *testing.T) {
	r, s := resolverFixture()
	user := Identity{UserID: activeID, RoleID: userRole}
	ctx := context.Background()

	require.Error(t, r.Authorize(ctx, user, PermViewFarmers))
	s.mu.Lock()
	s.links[userRole] = append(s.links[userRole], PermViewFarmers)
	s.mu.Unlock()
	assert.NoError(t, r.Authorize(ctx, user, PermViewFarmers))
}

func TestAuthorizeFailsClosed(t *testing.T) {
	r, s := resolverFixture()
	s.fail = true

	err := r.Authorize(context.Background(), Identity{RoleID: adminRole}, PermViewUsers)
	assert.True(t, apperr.Is(err, apperr.KindDependency))

	granted, err := r.Granted(context.Background(), Identity{RoleID: adminRole}, PermViewUsers)
	assert.False(t, granted)
	assert.Error(t, err)
}

func TestGranted(t *testing.T) {
	r, _ := resolverFixture()
	ctx := context.Background()

	ok, err := r.Granted(ctx, Identity{RoleID: userRole}, PermViewAuditLogs)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Granted(ctx, Identity{RoleID: adminRole}, PermViewAuditLogs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequireMiddleware(t *testing.T) {
	r, s := resolverFixture()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := r.Require(PermViewFarmers)(ok)

	serve := func(id *Identity) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/farmers", nil)
		if id != nil {
			req = req.WithContext(WithIdentity(req.Context(), *id))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, serve(nil).Code)

	rec := serve(&Identity{RoleID: userRole})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing permission VIEW_FARMER_RECORDS")

	assert.Equal(t, http.StatusOK, serve(&Identity{RoleID: adminRole}).Code)

	s.fail = true
	assert.Equal(t, http.StatusInternalServerError, serve(&Identity{RoleID: adminRole}).Code)
}
