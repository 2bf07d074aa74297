package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach-platform/internal/auth"
	"outreach-platform/internal/billing"
	"outreach-platform/internal/campaign"
	"outreach-platform/internal/config"
	"outreach-platform/internal/contact"
	"outreach-platform/internal/credits"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/httpapi"
	"outreach-platform/internal/scheduler"
	"outreach-platform/internal/script"
	"outreach-platform/pkg/logger"
	"outreach-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Stores
	creditsStore := credits.NewPostgresStore(db)
	campaignStore := campaign.NewPostgresStore(db)
	contactStore := contact.NewPostgresStore(db)

	// Credits service: free-account policy from config, top-up charger when a
	// payment endpoint is configured.
	freeOwners := make(map[string]struct{}, len(cfg.Credits.FreeOwnerIDs))
	for _, id := range cfg.Credits.FreeOwnerIDs {
		freeOwners[id] = struct{}{}
	}
	creditOpts := []credits.Option{
		credits.WithFreePolicy(func(ownerID string) bool {
			_, ok := freeOwners[ownerID]
			return ok
		}),
	}
	if cfg.Credits.TopUpURL != "" {
		charger := billing.NewHTTPCharger(cfg.Credits.TopUpURL, cfg.Credits.TopUpAPIKey)
		creditOpts = append(creditOpts, credits.WithTopUp(charger, cfg.Credits.CreditsPerPackage))
	}
	creditsSvc := credits.NewService(creditsStore, creditOpts...)

	// Dialer: platform-level fallback credentials; per-owner credential
	// storage would slot in behind the same resolver interface. The factory
	// hands the scheduler a fresh per-tick resolver cache.
	baseResolver := dialer.StaticResolver{Config: dialer.ProviderConfig{
		TwilioAccountSID: cfg.Dialer.TwilioAccountSID,
		TwilioAuthToken:  cfg.Dialer.TwilioAuthToken,
		FromNumber:       cfg.Dialer.TwilioFromNumber,
	}}
	dialFactory := func() dialer.Dispatcher {
		return dialer.NewClient(
			dialer.NewCachingResolver(baseResolver),
			cfg.Dialer.TwilioBaseURL,
			cfg.Dialer.VoiceAgentBaseURL,
		)
	}

	schedSvc := scheduler.NewService(
		campaignStore,
		contactStore,
		creditsSvc,
		script.NewTemplateRenderer(),
		dialFactory,
		cfg.Scheduler,
		scheduler.WithTickGuard(scheduler.NewRedisTickGuard(rdb, 0)),
		scheduler.WithRecordingCallback(cfg.Dialer.RecordingCallbackURL),
	)
	schedHandler := scheduler.NewHandler(schedSvc, cfg.Scheduler.Secret)

	// The API path resolves credentials on every call; only the scheduler
	// memoizes, and only within a single tick.
	apiHandlers := httpapi.Handlers{
		Auth:           authManager,
		Credits:        creditsSvc,
		Campaigns:      campaignStore,
		Contacts:       contactStore,
		Dialer:         dialer.NewClient(baseResolver, cfg.Dialer.TwilioBaseURL, cfg.Dialer.VoiceAgentBaseURL),
		ManualCallCost: cfg.Scheduler.DispatchCostCredits,
	}

	recordingHandler := dialer.RecordingWebhookHandler{
		Sink: func(ctx context.Context, callSID, recordingURL string) error {
			logger.From(ctx).Info("recording available", "call_sid", callSID, "url", recordingURL)
			return nil
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, auth.RequireAccessToken(authManager), apiHandlers, schedHandler, recordingHandler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
