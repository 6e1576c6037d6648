package httpserver

import (
	"net/http"

	"farmreach/internal/auth"
	"farmreach/internal/config"
	"farmreach/internal/httpserver/handlers"
	"farmreach/internal/metrics"
	"farmreach/internal/otp"
	"farmreach/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Deps struct {
	DB              *gorm.DB
	Logger          *zap.SugaredLogger
	Codec           *auth.Codec
	OTP             *otp.Manager
	Mailer          handlers.Mailer
	RateLimit       config.RateLimitConfig
	RequireApproval bool
	// TrustProxy lets X-Forwarded-For and X-Real-IP replace RemoteAddr.
	TrustProxy bool
}

func NewRouter(d Deps) http.Handler {
	db, lg := d.DB, d.Logger
	st := store.New(db)
	gate := auth.NewGate(d.Codec, st, lg)
	perms := auth.NewResolver(st, lg)
	scoper := auth.NewScoper(st)
	limiter := newKeyedLimiter(d.RateLimit.PerSecond, d.RateLimit.Burst)
	accounts := newKeyedLimiter(d.RateLimit.AccountPerMinute/60, d.RateLimit.AccountBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if d.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer, middleware.Logger, metrics.Instrument)

	r.Get("/healthz", health(db))
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(public chi.Router) {
		public.Use(limiter.Middleware)
		public.Post("/v1/auth/register", handlers.Register(db, lg, d.RequireApproval))
		public.Post("/v1/auth/login", handlers.Login(db, lg, d.OTP, d.Mailer, accounts))
		public.Post("/v1/auth/verify-otp", handlers.VerifyOTP(db, lg, d.OTP, d.Codec, accounts))
	})

	r.Group(func(protected chi.Router) {
		protected.Use(gate.Middleware)
		protected.Get("/v1/me", handlers.Me(lg, perms))
		protected.With(limiter.Middleware).Post("/v1/auth/password", handlers.ChangePassword(db, lg))
		protected.Get("/v1/logs", handlers.MyLogs(db, lg, perms))

		protected.With(perms.Require(auth.PermViewUsers)).Get("/v1/users", handlers.ListUsers(db, lg))
		protected.Group(func(admin chi.Router) {
			admin.Use(perms.Require(auth.PermManageUsers))
			admin.Post("/v1/users", handlers.CreateUser(db, lg))
			admin.Patch("/v1/users/{id}", handlers.UpdateUser(db, lg))
			admin.Delete("/v1/users/{id}", handlers.DeleteUser(db, lg))
		})

		protected.With(perms.Require(auth.PermViewRoles)).Get("/v1/roles", handlers.ListRoles(db, lg))
		protected.With(perms.Require(auth.PermViewRoles)).Get("/v1/roles/{id}/permissions", handlers.ListRolePermissions(db, lg))
		protected.Group(func(admin chi.Router) {
			admin.Use(perms.Require(auth.PermManageRoles))
			admin.Post("/v1/roles", handlers.CreateRole(db, lg))
			admin.Patch("/v1/roles/{id}", handlers.UpdateRole(db, lg))
			admin.Delete("/v1/roles/{id}", handlers.DeleteRole(db, lg))
			admin.Put("/v1/roles/{id}/permissions/{code}", handlers.GrantPermission(db, lg))
			admin.Delete("/v1/roles/{id}/permissions/{code}", handlers.RevokePermission(db, lg))
		})

		protected.With(perms.Require(auth.PermViewPermissions)).Get("/v1/permissions", handlers.ListPermissions(db, lg))
		protected.With(perms.Require(auth.PermManagePermissions)).Post("/v1/permissions", handlers.CreatePermission(db, lg))
		protected.With(perms.Require(auth.PermManagePermissions)).Delete("/v1/permissions/{id}", handlers.DeletePermission(db, lg))

		protected.Group(func(view chi.Router) {
			view.Use(perms.Require(auth.PermViewProjects))
			view.Get("/v1/projects", handlers.ListProjects(db, lg, scoper))
			view.Get("/v1/projects/{id}", handlers.GetProject(db, lg, scoper))
			view.Get("/v1/projects/{id}/seasons", handlers.ListSeasons(db, lg, scoper))
		})
		protected.Group(func(manage chi.Router) {
			manage.Use(perms.Require(auth.PermManageProjects))
			manage.Post("/v1/projects", handlers.CreateProject(db, lg, scoper))
			manage.Patch("/v1/projects/{id}", handlers.UpdateProject(db, lg, scoper))
			manage.Delete("/v1/projects/{id}", handlers.DeleteProject(db, lg, scoper))
			manage.Post("/v1/projects/{id}/seasons", handlers.CreateSeason(db, lg, scoper))
		})
		protected.With(perms.Require(auth.PermAssignProjectUsers)).Put("/v1/projects/{id}/users/{userID}", handlers.AssignProjectUser(db, lg, scoper))
		protected.With(perms.Require(auth.PermAssignProjectUsers)).Delete("/v1/projects/{id}/users/{userID}", handlers.UnassignProjectUser(db, lg, scoper))

		protected.With(perms.Require(auth.PermViewFarmers)).Get("/v1/farmers", handlers.ListFarmers(db, lg, scoper))
		protected.With(perms.Require(auth.PermViewFarmers)).Get("/v1/farmers/{id}", handlers.GetFarmer(db, lg, scoper))
		protected.With(perms.Require(auth.PermCreateFarmers)).Post("/v1/farmers", handlers.CreateFarmer(db, lg, scoper))
		protected.With(perms.Require(auth.PermEditFarmers)).Patch("/v1/farmers/{id}", handlers.UpdateFarmer(db, lg, scoper))
		protected.With(perms.Require(auth.PermDeleteFarmers)).Delete("/v1/farmers/{id}", handlers.DeleteFarmer(db, lg, scoper))

		protected.With(perms.Require(auth.PermSendMessages)).Post("/v1/messages", handlers.SendMessage(db, lg))
		protected.With(perms.Require(auth.PermViewMessages)).Get("/v1/messages", handlers.ListMessages(db, lg))
		protected.With(perms.Require(auth.PermViewMessages)).Post("/v1/messages/{id}/read", handlers.MarkMessageRead(db, lg))
	})

	return otelhttp.NewHandler(r, "farmreach")
}

func health(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
