package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/partner"
	"escrowflow/release"
)

type config struct {
	databaseURL     string
	listenAddr      string
	jwtSecret       string
	gatewayURL      string
	gatewayAPIKey   string
	schedulerToken  string
	releaseWindow   time.Duration
	releaseInterval time.Duration
	releaseBatch    int
}

func loadConfig() (config, error) {
	cfg := config{
		databaseURL:     os.Getenv("DATABASE_URL"),
		listenAddr:      envOr("LISTEN_ADDR", ":8080"),
		jwtSecret:       os.Getenv("JWT_SECRET"),
		gatewayURL:      os.Getenv("GATEWAY_URL"),
		gatewayAPIKey:   os.Getenv("GATEWAY_API_KEY"),
		schedulerToken:  os.Getenv("SCHEDULER_TOKEN"),
		releaseWindow:   7 * 24 * time.Hour,
		releaseInterval: time.Minute,
		releaseBatch:    25,
	}

	if cfg.databaseURL == "" {
		return config{}, errors.New("DATABASE_URL is required")
	}
	if cfg.jwtSecret == "" {
		return config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.gatewayURL == "" {
		return config{}, errors.New("GATEWAY_URL is required")
	}

	if raw := os.Getenv("RELEASE_WINDOW_DAYS"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			return config{}, errors.New("RELEASE_WINDOW_DAYS must be a positive integer")
		}
		cfg.releaseWindow = time.Duration(days) * 24 * time.Hour
	}
	if raw := os.Getenv("RELEASE_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval <= 0 {
			return config{}, errors.New("RELEASE_INTERVAL must be a positive duration")
		}
		cfg.releaseInterval = interval
	}
	if raw := os.Getenv("RELEASE_BATCH_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return config{}, errors.New("RELEASE_BATCH_SIZE must be a positive integer")
		}
		cfg.releaseBatch = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logging.Setup()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	gw := gateway.NewClient(cfg.gatewayURL, cfg.gatewayAPIKey)

	ledgerRepo := ledger.NewRepository(pool)
	recorder := ledger.NewRecorder(ledgerRepo, 256)
	defer recorder.Close()

	escrowRepo := escrow.NewRepository(pool)
	partnerRepo := partner.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)

	guard := escrow.NewGuard(escrowRepo, recorder)

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.jwtSecret)
	escrowSvc := escrow.NewService(pool, escrowRepo, ledgerRepo, gw, partnerRepo, escrow.Config{
		ReleaseWindow: cfg.releaseWindow,
	})
	disputeSvc := dispute.NewService(pool, disputeRepo, escrowRepo, guard, ledgerRepo, gw, partnerRepo, dispute.Config{})
	partnerSvc := partner.NewService(partnerRepo)

	releaser := release.NewReleaser(escrowRepo, gw, recorder, partnerRepo, release.Config{
		BatchSize: cfg.releaseBatch,
	})
	reaper := release.NewReaper(escrowRepo, recorder, 10*time.Minute)

	go release.NewScheduler(releaser, cfg.releaseInterval).Run(ctx)
	go release.NewScheduler(reaper, 5*cfg.releaseInterval).Run(ctx)

	server := &Server{
		authService:    authSvc,
		escrowService:  escrowSvc,
		disputeService: disputeSvc,
		partnerService: partnerSvc,
		events:         ledgerRepo,
		releaser:       releaser,
		schedulerToken: cfg.schedulerToken,
		logger:         slog.Default(),
	}

	mux := http.NewServeMux()
	server.routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", cfg.listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server", "error", err)
		os.Exit(1)
	}
}
