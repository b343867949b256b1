package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/secp/services/keysync/config"
	"gitlab.com/secp/services/keysync/internal/alerts"
	"gitlab.com/secp/services/keysync/internal/api"
	"gitlab.com/secp/services/keysync/internal/attachments"
	"gitlab.com/secp/services/keysync/internal/db"
	"gitlab.com/secp/services/keysync/internal/delivery"
	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/internal/live"
	"gitlab.com/secp/services/keysync/internal/presence"
	"gitlab.com/secp/services/keysync/internal/ratelimit"
	"gitlab.com/secp/services/keysync/internal/rotation"
	"gitlab.com/secp/services/keysync/internal/store/sqlstore"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.New(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	st, err := sqlstore.New(database.SQL, cfg.Postgres.Driver)
	if err != nil {
		return err
	}

	keysSvc := keys.NewService(st, log)
	deliverySvc := delivery.NewService(st, log)
	rotationSvc := rotation.NewService(st, log, cfg.Notifications.TTLDays, cfg.Notifications.ScanBatchSize)
	detector := keys.NewDetector(keysSvc, rotationSvc)

	hub := live.NewHub(log)
	tracker := presence.NewTracker(database.Redis)
	limiter := ratelimit.NewLimiter(database.Redis, cfg.RateLimit.UploadLimit, cfg.RateLimit.UploadWindow)

	rotationSvc.SetPusher(hub)
	rotationSvc.SetPresence(tracker)
	if sms := alerts.NewSMSNotifier(cfg, st, log); sms != nil {
		rotationSvc.SetAlerter(sms)
		log.Info("sms alerting enabled")
	}

	attachSvc, err := attachments.NewService(cfg, st, log)
	if err != nil {
		return err
	}
	if attachSvc != nil {
		log.Info("attachment storage enabled", "bucket", cfg.S3.Bucket)
	}

	handler := api.New(api.Deps{
		Detector:       detector,
		Keys:           keysSvc,
		Rotation:       rotationSvc,
		Delivery:       deliverySvc,
		Attachments:    attachSvc,
		Hub:            hub,
		Presence:       tracker,
		Limiter:        limiter,
		DB:             database,
		AdminTokenHash: cfg.Admin.TokenHash,
		Log:            log,
	}).Router()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Server.Port, "environment", cfg.Server.Environment)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
