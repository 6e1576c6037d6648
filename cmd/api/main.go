package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"farmreach/internal/auth"
	"farmreach/internal/config"
	"farmreach/internal/httpserver"
	"farmreach/internal/logger"
	"farmreach/internal/mail"
	"farmreach/internal/models"
	"farmreach/internal/otp"
	"farmreach/internal/store"
	"farmreach/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logger.New(cfg.LogLevel)
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "farmreach",
	})
	if err != nil {
		lg.Fatalw("tracing setup failed", "error", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		lg.Fatalw("db connect failed", "error", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		lg.Fatalw("automigrate failed", "error", err)
	}
	if err := store.Seed(ctx, db, store.SeedOptions{
		AdminEmail:    cfg.AdminEmail,
		AdminPassword: cfg.AdminPassword,
	}, lg); err != nil {
		lg.Fatalw("seed failed", "error", err)
	}

	scheduler := cron.New()
	tickets, err := ticketStore(ctx, cfg, db, scheduler, lg)
	if err != nil {
		lg.Fatalw("otp store setup failed", "error", err)
	}
	scheduler.Start()

	var sender mail.Sender = mail.NewLogSender(lg)
	if addr := cfg.SMTP.Addr(); addr != "" {
		sender = mail.NewSMTPSender(addr, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password)
	}
	mailer := mail.NewDispatcher(sender, lg)

	router := httpserver.NewRouter(httpserver.Deps{
		DB:              db,
		Logger:          lg,
		Codec:           auth.NewCodec([]byte(cfg.JWTSecret), cfg.JWTTTL),
		OTP:             otp.NewManager(tickets, cfg.OTPTTL, otp.WithMaxAttempts(cfg.OTPMaxAttempts)),
		Mailer:          mailer,
		RateLimit:       cfg.RateLimit,
		RequireApproval: cfg.RegistrationRequiresApproval,
		TrustProxy:      cfg.TrustProxyHeaders,
	})
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}

	go func() {
		lg.Infow("listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Errorw("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	lg.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Errorw("http shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()
	mailer.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Errorw("tracing shutdown failed", "error", err)
	}
}

// ticketStore picks redis when configured. The database fallback needs a
// periodic purge since rows do not expire on their own.
func ticketStore(ctx context.Context, cfg config.Config, db *gorm.DB, c *cron.Cron, lg *zap.SugaredLogger) (otp.TicketStore, error) {
	if cfg.RedisURL != "" {
		client, err := otp.Connect(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		lg.Infow("otp tickets in redis")
		return otp.NewRedisStore(client), nil
	}
	s := otp.NewDBStore(db)
	if err := otp.SchedulePurge(c, s, cfg.OTPPurgeSchedule, lg); err != nil {
		return nil, err
	}
	lg.Infow("otp tickets in database", "purge", cfg.OTPPurgeSchedule)
	return s, nil
}
