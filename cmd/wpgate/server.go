package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/wpgate/pkg/api"
	"github.com/ethpandaops/wpgate/pkg/auth"
	"github.com/ethpandaops/wpgate/pkg/config"
	"github.com/ethpandaops/wpgate/pkg/dispatcher"
	"github.com/ethpandaops/wpgate/pkg/history"
	"github.com/ethpandaops/wpgate/pkg/metrics"
	"github.com/ethpandaops/wpgate/pkg/monitor"
	"github.com/ethpandaops/wpgate/pkg/ratelimit"
	"github.com/ethpandaops/wpgate/pkg/session"
	"github.com/ethpandaops/wpgate/pkg/tools"
	"github.com/ethpandaops/wpgate/pkg/tracing"
	"github.com/ethpandaops/wpgate/pkg/validate"
	"github.com/ethpandaops/wpgate/pkg/vault"
	"github.com/ethpandaops/wpgate/pkg/wordpress"
)

const gaugeInterval = 15 * time.Second

func newServerCmd(log *logrus.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the wpgate server",
		Long:  `Start the dispatcher, background monitors and the admin HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), log, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to configuration file")

	return cmd
}

//nolint:gocyclo // Linear startup sequence.
func runServer(ctx context.Context, log *logrus.Logger, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.WithField("path", configPath).Info("Loading configuration")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Info("Configuration loaded:\n" + cfg.String())

	shutdownTracing, err := tracing.Init(ctx, log, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
		Timeout:     cfg.Tracing.Timeout,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, Version)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	// Metrics.
	m := metrics.New(nil)
	m.SetBuildInfo(Version, GitCommit, BuildDate)

	// Credentials and connection sessions.
	credentials, err := vault.New(log, cfg.Vault.KeyPath)
	if err != nil {
		return err
	}

	defer credentials.Close()

	sessions := session.NewManager(log, session.Config{
		RotationInterval:      cfg.Session.RotationInterval,
		MaxRequests:           cfg.Session.MaxRequests,
		RotationPause:         cfg.Session.RotationPause,
		MaxConnections:        cfg.Session.MaxConnections,
		MaxConnectionsPerHost: cfg.Session.MaxConnectionsPerHost,
		Timeout:               cfg.WordPress.Timeout,
		KeepAlive:             cfg.Session.KeepAlive,
		UserAgent:             "wpgate/" + Version,
		WrapTransport:         tracing.WrapTransport(cfg.Tracing.Enabled),
	})

	defer sessions.Close()

	// WordPress client.
	wp, err := wordpress.NewClient(log, wordpress.Config{
		SiteURL:     cfg.WordPress.SiteURL,
		Username:    cfg.WordPress.Username,
		AppPassword: cfg.WordPress.AppPassword,
		Timeout:     cfg.WordPress.Timeout,
		MaxTries:    cfg.WordPress.MaxTries,
	}, credentials, sessions, wordpress.WithMetrics(m))
	if err != nil {
		return err
	}

	// Tool registry.
	registry := tools.NewRegistry(log)

	if cfg.WordPress.SkipWooCommerce {
		registry.Register(tools.Core()...)
		log.WithField("tools", registry.Len()).Info("Tool registry ready (WooCommerce probe skipped)")
	} else {
		registry.RegisterAll(ctx, wp)
	}

	// Admission control and monitoring.
	limiter := ratelimit.New(log, ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		BlockDuration:     cfg.RateLimit.BlockDuration,
		ReapInterval:      cfg.RateLimit.ReapInterval,
		Inactivity:        cfg.RateLimit.Inactivity,
	})

	collector := monitor.NewCollector(log)
	health := monitor.NewHealthChecker(log, cfg.WordPress.Timeout)

	alerts := monitor.NewAlertManager(log, monitor.Thresholds{
		ErrorRate:     cfg.Monitoring.Thresholds.ErrorRate,
		ResponseTime:  cfg.Monitoring.Thresholds.ResponseTime,
		RateLimitHits: cfg.Monitoring.Thresholds.RateLimitHits,
	})

	disp := dispatcher.NewDispatcher(log, dispatcher.Config{
		MaxRequestSize: cfg.Dispatcher.MaxRequestSize,
		HandlerTimeout: cfg.Dispatcher.HandlerTimeout,
		HealthInterval: cfg.Monitoring.HealthInterval,
		LogSummary:     true,
	}, limiter, validate.Default(), registry, wp, collector, health, m)

	if err := disp.Start(ctx); err != nil {
		return err
	}

	defer disp.Stop()

	// History store.
	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	defer st.Stop()

	hist := history.NewService(log, history.Config{
		SnapshotInterval: cfg.Monitoring.SnapshotInterval,
		RetentionDays:    cfg.Database.RetentionDays,
		CleanupInterval:  cfg.Database.CleanupInterval,
	}, st, collector, health)

	if err := hist.Start(ctx); err != nil {
		return err
	}

	defer hist.Stop()

	// Admin API.
	authSvc, err := auth.NewService(log, cfg.Server.Users, 0)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, cfg, api.Dependencies{
		Dispatcher: disp,
		Collector:  collector,
		Health:     health,
		Alerts:     alerts,
		Sessions:   sessions,
		Limiter:    limiter,
		Auth:       authSvc,
		Store:      st,
		Metrics:    m,
		Gatherer:   prometheus.DefaultGatherer,
	})

	if cfg.Monitoring.Enabled {
		evaluator := monitor.NewEvaluator(log, collector, alerts, cfg.Monitoring.AlertInterval)
		evaluator.AddSink(hist.RecordAlerts)
		evaluator.AddSink(srv.Hub().PublishAlerts)

		if err := evaluator.Start(ctx); err != nil {
			return err
		}

		defer evaluator.Stop()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	defer srv.Stop()

	go runGaugeUpdater(ctx, m, sessions, limiter, credentials, alerts)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	log.Info("Shutting down...")

	return nil
}

// runGaugeUpdater refreshes point-in-time gauges that have no natural event.
func runGaugeUpdater(
	ctx context.Context,
	m *metrics.Metrics,
	sessions *session.Manager,
	limiter *ratelimit.Limiter,
	credentials *vault.Vault,
	alerts *monitor.AlertManager,
) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	update := func() {
		stats := sessions.Stats()
		m.SetSessionStats(stats.Rotations, stats.Requests, stats.InFlight)
		m.SetAdmissionState(limiter.Len(), credentials.Len())
		m.SetActiveAlerts(len(alerts.ActiveAlerts()))
	}

	update()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
