package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Chichichkin/TelemetryAgent/internal/config"
	"github.com/Chichichkin/TelemetryAgent/internal/daemon"
	"github.com/Chichichkin/TelemetryAgent/internal/logging"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/channel"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/ingestion"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/persistence"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/retry"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/targets"
	"github.com/Chichichkin/TelemetryAgent/internal/netstate"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting agent",
		"ingestion_url", cfg.IngestionURL,
		"app_secret", ingestion.HideSecret(cfg.AppSecret),
		"bearer_token", ingestion.HideToken(cfg.BearerToken),
		"install_id", cfg.InstallID,
		"storage_path", cfg.StoragePath,
		"groups", len(cfg.Groups),
	)

	store, err := persistence.Open(ctx, persistence.Options{
		Path:    cfg.StoragePath,
		MaxSize: cfg.MaxStorageSize,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	transport := ingestion.NewSender(ingestion.Options{
		BaseURL:     cfg.IngestionURL,
		AppSecret:   cfg.AppSecret,
		InstallID:   cfg.InstallID,
		BearerToken: cfg.BearerToken,
		Logger:      logger,
	})
	// The limit sits under the network and retry layers so that only
	// live requests count against it.
	limited := logging.NewLimitedSender(transport, cfg.MaxConcurrentSends)

	monitor := netstate.NewMonitor(true, netstate.MonitorOptions{
		Prober:   netstate.DialProber{Address: cfg.ProbeAddress},
		Interval: cfg.ProbeInterval,
		Logger:   logger,
	})
	go monitor.Run(ctx)

	netSender := netstate.NewSender(limited, monitor, logger)
	defer netSender.Close()

	sender := retry.New(netSender, retry.Options{
		Intervals: cfg.RetryIntervals,
		Logger:    logger,
	})

	ch := channel.New(store, sender, channel.Options{Logger: logger})
	defer ch.Shutdown()

	metrics := &daemon.LogDaemonMetrics{}
	if _, err := setupGroups(cfg, ch, daemon.DeliveryListener{Metrics: metrics}, logger); err != nil {
		return err
	}

	service := daemon.NewLogDaemonService(ctx, daemon.Config{
		LogRootPath:     cfg.LogRootPath,
		ScanInterval:    cfg.ScanInterval,
		Workers:         cfg.Workers,
		FileQueueSize:   cfg.FileQueueSize,
		NodeName:        cfg.NodeName,
		Group:           cfg.Groups[0].Name,
		FileIdleTimeout: cfg.FileIdleTimeout,
		MetricsInterval: cfg.MetricsInterval,
		Logger:          logger,
	}, ch, metrics)
	service.Start()

	<-ctx.Done()
	logger.Info("received shutdown signal")
	service.Stop()
	for _, g := range cfg.Groups {
		if st, ok := ch.Stats(g.Name); ok {
			logger.Info("group state at shutdown",
				"group", g.Name,
				"pending", st.Pending,
				"in_flight", st.InFlight,
				"enabled", st.Enabled,
			)
		}
	}
	logger.Info("network calls in flight at shutdown", "count", netSender.Pending())
	return nil
}

// setupGroups registers the configured groups with ch, binds them to the
// target tree and applies the initial enable state of groups and targets.
// Target changes are forwarded to the channel.
func setupGroups(cfg config.Config, ch *channel.Channel, listener logging.GroupListener, logger *slog.Logger) (*targets.Tree, error) {
	tree := targets.NewTree(func(group string, enabled bool) {
		if err := ch.SetEnabled(group, enabled); err != nil {
			logger.Warn("failed to apply target state", "group", group, "enabled", enabled, "error", err)
		}
	}, logger)
	for _, t := range cfg.Targets {
		if err := tree.Add(t.Name, t.Parent); err != nil {
			return nil, fmt.Errorf("add target %s: %w", t.Name, err)
		}
	}

	for _, g := range cfg.Groups {
		err := ch.AddGroup(channel.GroupConfig{
			Name: g.Name,
			Config: logging.Config{
				TriggerCount:        g.TriggerCount,
				TriggerInterval:     g.TriggerInterval,
				MaxParallelRequests: g.MaxParallelRequests,
			},
			Listener: listener,
		})
		if err != nil {
			return nil, fmt.Errorf("add group %s: %w", g.Name, err)
		}
		if g.Target != "" {
			if err := tree.Bind(g.Target, g.Name); err != nil {
				return nil, fmt.Errorf("bind group %s: %w", g.Name, err)
			}
		}
		if !g.IsEnabled() {
			if err := ch.SetEnabled(g.Name, false); err != nil {
				return nil, fmt.Errorf("disable group %s: %w", g.Name, err)
			}
		}
	}

	// Parents come first in the config, so a disabled parent has already
	// cascaded when its children are visited.
	for _, t := range cfg.Targets {
		if t.IsEnabled() {
			continue
		}
		if err := tree.SetEnabled(t.Name, false); err != nil {
			return nil, fmt.Errorf("disable target %s: %w", t.Name, err)
		}
	}
	return tree, nil
}
