package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"farmreach/internal/auth"
	"farmreach/internal/config"
	"farmreach/internal/mail"
	"farmreach/internal/models"
	"farmreach/internal/otp"
	"farmreach/internal/store"
	"farmreach/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	adminEmail    = "admin@farmreach.test"
	adminPassword = "admin-password-1"
	testSecret    = "0123456789abcdef0123456789abcdef"
)

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// inbox records the last message sent to each address.
type inbox struct {
	mu   sync.Mutex
	last map[string]string
}

func (i *inbox) Send(_ context.Context, to, _, body string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.last[to] = body
	return nil
}

type app struct {
	t      *testing.T
	db     *gorm.DB
	h      http.Handler
	mailer *mail.Dispatcher
	inbox  *inbox
}

func newApp(t *testing.T, requireApproval bool, opts ...func(*Deps)) *app {
	t.Helper()
	db := testutil.NewDB(t)
	lg := testutil.Logger()
	require.NoError(t, store.Seed(context.Background(), db, store.SeedOptions{
		AdminEmail:    adminEmail,
		AdminPassword: adminPassword,
	}, lg))
	box := &inbox{last: map[string]string{}}
	mailer := mail.NewDispatcher(box, lg)
	d := Deps{
		DB:     db,
		Logger: lg,
		Codec:  auth.NewCodec([]byte(testSecret), time.Hour),
		OTP:    otp.NewManager(otp.NewDBStore(db), 10*time.Minute),
		Mailer: mailer,
		RateLimit: config.RateLimitConfig{
			PerSecond:        1000,
			Burst:            1000,
			AccountPerMinute: 60000,
			AccountBurst:     1000,
		},
		RequireApproval: requireApproval,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return &app{t: t, db: db, h: NewRouter(d), mailer: mailer, inbox: box}
}

func (a *app) request(method, path, token string, body any) *http.Request {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *app) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func (a *app) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.serve(a.request(method, path, token, body))
}

func (a *app) verify(email, code string) int {
	a.t.Helper()
	return a.do(http.MethodPost, "/v1/auth/verify-otp", "", map[string]string{"email": email, "otp": code}).Code
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func (a *app) otpFor(email string) string {
	a.t.Helper()
	a.mailer.Wait()
	a.inbox.mu.Lock()
	defer a.inbox.mu.Unlock()
	code := codePattern.FindString(a.inbox.last[email])
	require.NotEmpty(a.t, code, "no code mailed to %s", email)
	return code
}

func (a *app) login(email, password string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPost, "/v1/auth/verify-otp", "", map[string]string{"email": email, "otp": a.otpFor(email)})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Token string `json:"token"`
	}
	decodeBody(a.t, rec, &out)
	require.NotEmpty(a.t, out.Token)
	return out.Token
}

// register creates a self-service account and returns its id.
func (a *app) register(email, password string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": email, "password": password})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		ID string `json:"id"`
	}
	decodeBody(a.t, rec, &out)
	return out.ID
}

func (a *app) createProject(token, name string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/v1/projects", token, map[string]string{"name": name})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.Project
	decodeBody(a.t, rec, &p)
	return p.ID
}

func (a *app) createFarmer(token, projectID, phone string) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.do(http.MethodPost, "/v1/farmers", token, map[string]any{
		"project_id": projectID,
		"full_name":  "Amina Njoroge",
		"phone":      phone,
		"village":    "Kiambu",
	})
}

func (a *app) roleID(token, name string) uint {
	a.t.Helper()
	rec := a.do(http.MethodGet, "/v1/roles", token, nil)
	require.Equal(a.t, http.StatusOK, rec.Code)
	var roles []models.Role
	decodeBody(a.t, rec, &roles)
	for _, r := range roles {
		if r.Name == name {
			return r.ID
		}
	}
	a.t.Fatalf("role %q not found", name)
	return 0
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestGrantTakesEffectOnNextRequest(t *testing.T) {
	a := newApp(t, false)
	aliceID := a.register("alice@example.org", "alice-password")
	alice := a.login("alice@example.org", "alice-password")

	rec := a.do(http.MethodGet, "/v1/farmers", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := a.login(adminEmail, adminPassword)
	userRole := a.roleID(admin, store.UserRoleName)
	rec = a.do(http.MethodPut, "/v1/roles/"+itoa(userRole)+"/permissions/"+auth.PermViewFarmers, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/v1/farmers", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	projA := a.createProject(admin, "Maize A")
	projB := a.createProject(admin, "Maize B")
	require.Equal(t, http.StatusCreated, a.createFarmer(admin, projA, "+254700000001").Code)
	require.Equal(t, http.StatusCreated, a.createFarmer(admin, projB, "+254700000002").Code)

	rec = a.do(http.MethodPut, "/v1/projects/"+projA+"/users/"+aliceID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, "/v1/farmers", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var farmers []models.Farmer
	decodeBody(t, rec, &farmers)
	require.Len(t, farmers, 1)
	assert.Equal(t, projA, farmers[0].ProjectID)

	rec = a.do(http.MethodGet, "/v1/farmers", admin, nil)
	decodeBody(t, rec, &farmers)
	assert.Len(t, farmers, 2)

	rec = a.do(http.MethodDelete, "/v1/roles/"+itoa(userRole)+"/permissions/"+auth.PermViewFarmers, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(http.MethodGet, "/v1/farmers", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOTPIsSingleUse(t *testing.T) {
	a := newApp(t, false)
	a.register("bob@example.org", "bob-password")

	rec := a.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "bob@example.org", "password": "bob-password"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		OTPRequired bool `json:"otp_required"`
		ExpiresIn   int  `json:"expires_in"`
		Token       string
	}
	decodeBody(t, rec, &login)
	assert.True(t, login.OTPRequired)
	assert.Equal(t, 600, login.ExpiresIn)
	assert.Empty(t, login.Token)

	code := a.otpFor("bob@example.org")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	rec = a.do(http.MethodPost, "/v1/auth/verify-otp", "", map[string]string{"email": "bob@example.org", "otp": wrong})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/v1/auth/verify-otp", "", map[string]string{"email": "bob@example.org", "otp": code})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/v1/auth/verify-otp", "", map[string]string{"email": "bob@example.org", "otp": code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOTPIsDeadAfterRepeatedMisses(t *testing.T) {
	a := newApp(t, false)
	creds := map[string]string{"email": adminEmail, "password": adminPassword}
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/auth/login", "", creds).Code)
	code := a.otpFor(adminEmail)

	for i := 0; i < otp.DefaultMaxAttempts; i++ {
		assert.Equal(t, http.StatusUnauthorized, a.verify(adminEmail, wrongCode(code)))
	}
	assert.Equal(t, http.StatusUnauthorized, a.verify(adminEmail, code), "exhausted ticket must not accept the right code")

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/auth/login", "", creds).Code)
	assert.Equal(t, http.StatusOK, a.verify(adminEmail, a.otpFor(adminEmail)))
}

func TestAccountThrottleIgnoresClientAddress(t *testing.T) {
	a := newApp(t, false, func(d *Deps) {
		d.RateLimit.AccountPerMinute = 0.001
		d.RateLimit.AccountBurst = 3
		d.TrustProxy = true
	})
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/v1/auth/login", "",
		map[string]string{"email": adminEmail, "password": adminPassword}).Code)
	code := a.otpFor(adminEmail)

	attempt := func(email, otpCode, ip string) int {
		req := a.request(http.MethodPost, "/v1/auth/verify-otp", "", map[string]string{"email": email, "otp": otpCode})
		req.Header.Set("X-Forwarded-For", ip)
		return a.serve(req).Code
	}
	assert.Equal(t, http.StatusUnauthorized, attempt(adminEmail, wrongCode(code), "203.0.113.1"))
	assert.Equal(t, http.StatusUnauthorized, attempt(adminEmail, wrongCode(code), "203.0.113.2"))
	assert.Equal(t, http.StatusUnauthorized, attempt("ADMIN@farmreach.test", wrongCode(code), "203.0.113.3"))
	assert.Equal(t, http.StatusTooManyRequests, attempt(adminEmail, code, "203.0.113.4"))

	assert.Equal(t, http.StatusUnauthorized, attempt("someone@example.org", "123456", "203.0.113.5"))
}

func TestForwardedForIsIgnoredUnlessTrusted(t *testing.T) {
	tight := func(trust bool) func(*Deps) {
		return func(d *Deps) {
			d.RateLimit.PerSecond = 0.001
			d.RateLimit.Burst = 2
			d.TrustProxy = trust
		}
	}
	register := func(a *app, i int) int {
		req := a.request(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "", "password": ""})
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i))
		return a.serve(req).Code
	}

	a := newApp(t, false, tight(false))
	assert.Equal(t, http.StatusBadRequest, register(a, 1))
	assert.Equal(t, http.StatusBadRequest, register(a, 2))
	assert.Equal(t, http.StatusTooManyRequests, register(a, 3))

	a = newApp(t, false, tight(true))
	for i := 1; i <= 3; i++ {
		assert.Equal(t, http.StatusBadRequest, register(a, i))
	}
}

func TestLoginFailures(t *testing.T) {
	a := newApp(t, true)
	a.register("pending@example.org", "pending-password")

	cases := []struct {
		name     string
		email    string
		password string
		want     int
	}{
		{"unknown email", "nobody@example.org", "whatever-password", http.StatusUnauthorized},
		{"wrong password", adminEmail, "not-the-password", http.StatusUnauthorized},
		{"awaiting approval", "pending@example.org", "pending-password", http.StatusForbidden},
		{"missing fields", "", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": tc.email, "password": tc.password})
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	a := newApp(t, false)
	a.register("carol@example.org", "carol-password")

	rec := a.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "CAROL@example.org", "password": "carol-password"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "not-an-email", "password": "long-enough"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "dan@example.org", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	a := newApp(t, false)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/v1/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/v1/farmers", "garbage", nil).Code)
}

func TestDeactivatedUserIsRejectedImmediately(t *testing.T) {
	a := newApp(t, false)
	id := a.register("erin@example.org", "erin-password")
	erin := a.login("erin@example.org", "erin-password")
	admin := a.login(adminEmail, adminPassword)

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/me", erin, nil).Code)

	rec := a.do(http.MethodPatch, "/v1/users/"+id, admin, map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/v1/me", erin, nil).Code)
}

func TestAdminCannotLockThemselvesOut(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	rec := a.do(http.MethodGet, "/v1/me", admin, nil)
	var me struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &me)

	rec = a.do(http.MethodPatch, "/v1/users/"+me.ID, admin, map[string]any{"is_active": false})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodDelete, "/v1/users/"+me.ID, admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// scopedOfficer returns a field officer token assigned to project A only.
func scopedOfficer(t *testing.T, a *app) (officer, admin, projA, projB string) {
	t.Helper()
	admin = a.login(adminEmail, adminPassword)
	rec := a.do(http.MethodPost, "/v1/roles", admin, map[string]any{
		"name": "Field Officer",
		"permissions": []string{
			auth.PermViewProjects, auth.PermViewFarmers, auth.PermCreateFarmers,
			auth.PermEditFarmers, auth.PermDeleteFarmers, auth.PermManageProjects,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(http.MethodPost, "/v1/users", admin, map[string]any{
		"email": "officer@example.org", "password": "officer-password", "role": "Field Officer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var u models.User
	decodeBody(t, rec, &u)

	projA = a.createProject(admin, "Cassava A")
	projB = a.createProject(admin, "Cassava B")
	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/v1/projects/"+projA+"/users/"+u.ID, admin, nil).Code)
	officer = a.login("officer@example.org", "officer-password")
	return officer, admin, projA, projB
}

func TestScopedWrites(t *testing.T) {
	a := newApp(t, false)
	officer, admin, projA, projB := scopedOfficer(t, a)

	assert.Equal(t, http.StatusForbidden, a.createFarmer(officer, projB, "+254711000001").Code)

	rec := a.createFarmer(officer, projA, "+254711000002")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var f models.Farmer
	decodeBody(t, rec, &f)

	rec = a.do(http.MethodPatch, "/v1/farmers/"+f.ID, officer, map[string]any{"project_id": projB})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(http.MethodGet, "/v1/farmers/"+f.ID, officer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &f)
	assert.Equal(t, projA, f.ProjectID)

	rec = a.createFarmer(admin, projB, "+254711000003")
	require.Equal(t, http.StatusCreated, rec.Code)
	var other models.Farmer
	decodeBody(t, rec, &other)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/v1/farmers/"+other.ID, officer, nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodDelete, "/v1/farmers/"+other.ID, officer, nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/v1/projects/"+projB, officer, nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPatch, "/v1/projects/"+projB, officer, map[string]any{"active": false}).Code)

	rec = a.do(http.MethodGet, "/v1/farmers?project_id="+projB, officer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = a.do(http.MethodGet, "/v1/projects", officer, nil)
	var projects []models.Project
	decodeBody(t, rec, &projects)
	require.Len(t, projects, 1)
	assert.Equal(t, projA, projects[0].ID)
}

func TestDuplicatePhoneWithinProject(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	projA := a.createProject(admin, "Beans A")
	projB := a.createProject(admin, "Beans B")

	require.Equal(t, http.StatusCreated, a.createFarmer(admin, projA, "+254722 000 001").Code)
	assert.Equal(t, http.StatusBadRequest, a.createFarmer(admin, projA, "+254722000001").Code)
	assert.Equal(t, http.StatusCreated, a.createFarmer(admin, projB, "+254722000001").Code)
}

func TestScopedCreatorIsAssignedToNewProject(t *testing.T) {
	a := newApp(t, false)
	officer, _, _, _ := scopedOfficer(t, a)

	projC := a.createProject(officer, "Sorghum C")
	rec := a.do(http.MethodGet, "/v1/projects/"+projC, officer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusCreated, a.createFarmer(officer, projC, "+254733000001").Code)
}

func TestSeasonsMayNotOverlap(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	proj := a.createProject(admin, "Rice")
	path := "/v1/projects/" + proj + "/seasons"

	season := func(name, start, end string) int {
		return a.do(http.MethodPost, path, admin, map[string]string{"name": name, "start_date": start, "end_date": end}).Code
	}
	require.Equal(t, http.StatusCreated, season("Long rains", "2026-03-01", "2026-06-01"))
	assert.Equal(t, http.StatusBadRequest, season("Overlap", "2026-05-01", "2026-08-01"))
	assert.Equal(t, http.StatusBadRequest, season("Inside", "2026-04-01", "2026-05-01"))
	assert.Equal(t, http.StatusBadRequest, season("Backwards", "2026-09-01", "2026-08-01"))
	assert.Equal(t, http.StatusCreated, season("Short rains", "2026-06-01", "2026-09-01"))

	rec := a.do(http.MethodGet, path, admin, nil)
	var seasons []models.Season
	decodeBody(t, rec, &seasons)
	require.Len(t, seasons, 2)
	assert.Equal(t, "Long rains", seasons[0].Name)
}

func TestCreatedPermissionIsHeldByAdministrator(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	rec := a.do(http.MethodPost, "/v1/roles", admin, map[string]any{"name": "Supervisor", "unscoped": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	supervisor := a.roleID(admin, "Supervisor")

	rec = a.do(http.MethodPost, "/v1/permissions", admin, map[string]string{"code": "export_reports", "name": "Export reports"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.Permission
	decodeBody(t, rec, &p)
	assert.Equal(t, "EXPORT_REPORTS", p.Code)

	rec = a.do(http.MethodGet, "/v1/me", admin, nil)
	var me struct {
		Unscoped    bool     `json:"unscoped"`
		Permissions []string `json:"permissions"`
	}
	decodeBody(t, rec, &me)
	assert.True(t, me.Unscoped)
	assert.Contains(t, me.Permissions, "EXPORT_REPORTS")

	rec = a.do(http.MethodGet, "/v1/roles/"+itoa(supervisor)+"/permissions", admin, nil)
	assert.NotContains(t, rec.Body.String(), "EXPORT_REPORTS")

	// Linked to the administrator role, so it cannot be deleted.
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodDelete, "/v1/permissions/"+itoa(p.ID), admin, nil).Code)
	rec = a.do(http.MethodPost, "/v1/permissions", admin, map[string]string{"code": "bad code", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages(t *testing.T) {
	a := newApp(t, false)
	frankID := a.register("frank@example.org", "frank-password")
	a.register("gina@example.org", "gina-password")
	frank := a.login("frank@example.org", "frank-password")
	gina := a.login("gina@example.org", "gina-password")

	rec := a.do(http.MethodPost, "/v1/messages", gina, map[string]string{"recipient_id": frankID, "body": "Seed delivery on Monday"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m models.Message
	decodeBody(t, rec, &m)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/v1/messages/"+m.ID+"/read", gina, nil).Code)

	rec = a.do(http.MethodGet, "/v1/messages?unread=1", frank, nil)
	var inboxMsgs []models.Message
	decodeBody(t, rec, &inboxMsgs)
	require.Len(t, inboxMsgs, 1)

	rec = a.do(http.MethodPost, "/v1/messages/"+m.ID+"/read", frank, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &m)
	assert.NotNil(t, m.ReadAt)

	rec = a.do(http.MethodGet, "/v1/messages?unread=1", frank, nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = a.do(http.MethodPost, "/v1/messages", gina, map[string]string{"recipient_id": frankID, "body": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditLogs(t *testing.T) {
	a := newApp(t, false)
	a.register("hana@example.org", "hana-password")
	hana := a.login("hana@example.org", "hana-password")
	admin := a.login(adminEmail, adminPassword)

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/v1/logs?all=1", hana, nil).Code)

	rec := a.do(http.MethodGet, "/v1/logs", hana, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var own []models.AuditLog
	decodeBody(t, rec, &own)
	require.NotEmpty(t, own)
	for _, l := range own {
		require.NotNil(t, l.UserID)
	}

	rec = a.do(http.MethodGet, "/v1/logs?all=1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []models.AuditLog
	decodeBody(t, rec, &all)
	assert.Greater(t, len(all), len(own))
}

func TestRoleLifecycle(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	userRole := a.roleID(admin, store.UserRoleName)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodDelete, "/v1/roles/"+itoa(userRole), admin, nil).Code)

	rec := a.do(http.MethodPost, "/v1/roles", admin, map[string]any{"name": "Auditor", "permissions": []string{"NO_SUCH_CODE"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodPost, "/v1/roles", admin, map[string]any{"name": "Auditor", "permissions": []string{auth.PermViewAuditLogs}})
	require.Equal(t, http.StatusCreated, rec.Code)
	auditor := a.roleID(admin, "Auditor")

	rec = a.do(http.MethodGet, "/v1/roles/"+itoa(auditor)+"/permissions", admin, nil)
	assert.JSONEq(t, `["VIEW_AUDIT_LOGS"]`, rec.Body.String())
	assert.Equal(t, http.StatusOK, a.do(http.MethodDelete, "/v1/roles/"+itoa(auditor), admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/v1/roles/"+itoa(auditor)+"/permissions", admin, nil).Code)
}

func TestBuiltinRolesKeepTheirScope(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	adminRole := a.roleID(admin, store.AdminRoleName)
	userRole := a.roleID(admin, store.UserRoleName)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPatch, "/v1/roles/"+itoa(adminRole), admin, map[string]any{"unscoped": false}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPatch, "/v1/roles/"+itoa(userRole), admin, map[string]any{"unscoped": true}).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodPatch, "/v1/roles/"+itoa(adminRole), admin, map[string]any{"unscoped": true}).Code)

	var me struct {
		Unscoped bool `json:"unscoped"`
	}
	decodeBody(t, a.do(http.MethodGet, "/v1/me", admin, nil), &me)
	assert.True(t, me.Unscoped)

	rec := a.do(http.MethodPost, "/v1/roles", admin, map[string]any{"name": "Regional Lead"})
	require.Equal(t, http.StatusCreated, rec.Code)
	lead := a.roleID(admin, "Regional Lead")
	assert.Equal(t, http.StatusOK, a.do(http.MethodPatch, "/v1/roles/"+itoa(lead), admin, map[string]any{"unscoped": true}).Code)
}

func TestRoleManagersCannotRevokeTheirOwnAccess(t *testing.T) {
	a := newApp(t, false)
	admin := a.login(adminEmail, adminPassword)
	adminRole := a.roleID(admin, store.AdminRoleName)

	for _, code := range []string{auth.PermManageRoles, auth.PermViewFarmers} {
		rec := a.do(http.MethodDelete, "/v1/roles/"+itoa(adminRole)+"/permissions/"+code, admin, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, code)
	}

	rec := a.do(http.MethodPost, "/v1/roles", admin, map[string]any{
		"name":        "Role Steward",
		"permissions": []string{auth.PermViewRoles, auth.PermManageRoles},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	steward := a.roleID(admin, "Role Steward")
	rec = a.do(http.MethodPost, "/v1/users", admin, map[string]any{
		"email": "steward@example.org", "password": "steward-password", "role": "Role Steward",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := a.login("steward@example.org", "steward-password")

	rec = a.do(http.MethodDelete, "/v1/roles/"+itoa(steward)+"/permissions/"+auth.PermManageRoles, token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodDelete, "/v1/roles/"+itoa(adminRole)+"/permissions/"+auth.PermManageRoles, token, nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/v1/roles", token, nil).Code)

	rec = a.do(http.MethodDelete, "/v1/roles/"+itoa(steward)+"/permissions/"+auth.PermViewRoles, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// An administrator may still take it away.
	rec = a.do(http.MethodDelete, "/v1/roles/"+itoa(steward)+"/permissions/"+auth.PermManageRoles, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	a := newApp(t, false)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/healthz", "", nil).Code)
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
