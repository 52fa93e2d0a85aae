package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MailPacer/internal/accounts"
	"MailPacer/internal/api"
	"MailPacer/internal/config"
	"MailPacer/internal/dispatch"
	"MailPacer/internal/email"
	"MailPacer/internal/events"
	"MailPacer/internal/metrics"
	"MailPacer/internal/models"
	"MailPacer/internal/pacer"
	"MailPacer/internal/queue"
	"MailPacer/internal/sweeper"
	"MailPacer/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	// logger may be swapped for a development one below.
	defer func() { _ = logger.Sync() }()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.LogDevelopment {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Storage
	// ------------------------------------------------
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store initialization failed", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer st.Close()

	// ------------------------------------------------
	// Queue + Events
	// ------------------------------------------------
	bus := events.NewBus()
	q := queue.New(st.jobs, bus, queue.Config{
		LeaseTimeout:       cfg.LeaseTimeout,
		MaxStalls:          cfg.MaxStalls,
		DefaultMaxAttempts: cfg.RetryAttempts,
		DefaultBackoff:     models.BackoffPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}, logger)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	// ------------------------------------------------
	// SMTP Accounts
	// ------------------------------------------------
	var src accounts.Source = accounts.EnvSource{Value: cfg.SMTPUsers}
	if cfg.AccountsFile != "" {
		src = accounts.FileSource{Path: cfg.AccountsFile}
	}
	pool := accounts.New(src, accounts.Defaults{
		Host:   cfg.SMTPHost,
		Port:   cfg.SMTPPort,
		Secure: cfg.SMTPSecure,
	}, logger)

	// ------------------------------------------------
	// Email Transports
	// ------------------------------------------------
	signer, err := email.NewSigner(email.DKIMConfig{
		Domain:     cfg.DKIMDomain,
		Selector:   cfg.DKIMSelector,
		KeyPath:    cfg.DKIMKeyPath,
		PrivateKey: cfg.DKIMPrivateKey,
	})
	if err != nil {
		logger.Fatal("dkim initialization failed", zap.Error(err))
	}

	transports := email.NewCache(email.SMTPFactory(email.TransportOptions{
		MaxIdle:            cfg.SMTPMaxIdle,
		IdleTimeout:        cfg.SMTPIdleTimeout,
		LocalName:          cfg.SMTPLocalName,
		InsecureSkipVerify: cfg.SMTPInsecureTLS,
		Verify:             cfg.SMTPVerify,
		Signer:             signer,
	}, logger), logger)
	defer transports.Close()

	pool.OnChange(func(c accounts.Change) {
		transports.Evict(c.Stale()...)
	})
	if err := pool.Reload(ctx); err != nil {
		logger.Fatal("failed to load smtp accounts", zap.Error(err))
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	wcfg := worker.Config{
		Concurrency:        cfg.WorkerCount,
		PollInterval:       cfg.PollInterval,
		StallCheckInterval: cfg.StallCheckInterval,
		SendTimeout:        cfg.SendTimeout,
		StoreRetry:         cfg.StoreRetry,
	}
	if cfg.SMTPFallback {
		wcfg.Fallback = &models.Account{
			ID:          "default",
			Address:     cfg.SMTPFrom,
			Username:    cfg.SMTPUser,
			Password:    cfg.SMTPPassword,
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Secure:      cfg.SMTPSecure,
			DisplayName: cfg.SMTPFromName,
		}
	}
	workers := worker.New(q, st.records, pool, transports, limiter, wcfg, logger)

	// ------------------------------------------------
	// Dispatch
	// ------------------------------------------------
	svc := dispatch.New(q, st.records, pacer.New(pacer.Config{
		MinDelay:   cfg.DelayMin,
		MaxDelay:   cfg.DelayMax,
		PerMessage: cfg.DelayPerMessage,
		RateLimit:  cfg.PaceLimit,
		RateWindow: cfg.PaceWindow,
	}, nil), pool, dispatch.Config{
		MaxBatch:           cfg.MaxBatch,
		CompletionBuffer:   30 * time.Second,
		DefaultMaxAttempts: cfg.RetryAttempts,
	}, logger)

	// ------------------------------------------------
	// Retention Sweeper
	// ------------------------------------------------
	sweep, err := sweeper.New(q, st.records, sweeper.Config{
		Schedule:        cfg.SweepSchedule,
		JobRetention:    cfg.JobRetention,
		RecordRetention: cfg.RecordRetention,
		Timeout:         time.Minute,
	}, logger)
	if err != nil {
		logger.Fatal("invalid sweep schedule", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Service:        svc,
		Accounts:       pool,
		CSVMaxRows:     cfg.CSVMaxRows,
		AttachmentRoot: cfg.AttachmentRoot,
		Log:            logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ------------------------------------------------
	// Run
	// ------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error { return sampleQueue(gctx, svc, logger) })

	if cfg.AccountsFile != "" && cfg.AccountsWatch {
		g.Go(func() error { return pool.Watch(gctx, cfg.AccountsFile, accounts.DefaultDebounce) })
	}

	if len(cfg.KafkaBrokers) > 0 {
		sub, unsubscribe := bus.Subscribe(256)
		relay := events.NewKafkaRelay(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		g.Go(func() error {
			defer unsubscribe()
			return relay.Run(gctx, sub)
		})
		logger.Info("kafka relay enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	g.Go(func() error {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		return serve(metricsServer)
	})
	g.Go(func() error {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		return serve(apiServer)
	})

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down services...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sampleQueue keeps the queue gauges current between stats requests.
func sampleQueue(ctx context.Context, svc *dispatch.Service, logger *zap.Logger) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := svc.Stats(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("queue stats sample failed", zap.Error(err))
			}
		}
	}
}
