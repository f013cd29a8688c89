package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nutriflow/zapgate/internal/agent"
	"github.com/nutriflow/zapgate/internal/alerting"
	"github.com/nutriflow/zapgate/internal/buffer"
	"github.com/nutriflow/zapgate/internal/bus"
	"github.com/nutriflow/zapgate/internal/channels/whatsapp"
	"github.com/nutriflow/zapgate/internal/config"
	"github.com/nutriflow/zapgate/internal/dispatch"
	"github.com/nutriflow/zapgate/internal/httpapi"
	"github.com/nutriflow/zapgate/internal/providers"
	"github.com/nutriflow/zapgate/internal/store"
	filestore "github.com/nutriflow/zapgate/internal/store/file"
	"github.com/nutriflow/zapgate/internal/store/pg"
	"github.com/nutriflow/zapgate/internal/tracing"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}

	events := bus.New()
	alerts := alerting.NewSink(stores.Alerts, events)

	waClient := whatsapp.NewClient(
		cfg.WhatsApp.BaseURL,
		cfg.WhatsApp.Instance,
		cfg.WhatsApp.Token,
		cfg.WhatsApp.ClientToken,
		cfg.WhatsApp.RatePerSecond,
		cfg.WhatsApp.Burst,
	)

	oa := cfg.Providers.OpenAI
	provider := providers.NewOpenAIProvider("openai", oa.APIKey, oa.APIBase, oa.Model)

	sales := agent.NewSales(provider,
		cfg.Agents.Sales.Model, cfg.Agents.Sales.MaxTokens, cfg.Agents.Sales.Temperature)
	nutrition := agent.NewNutrition(provider,
		cfg.Agents.Nutrition.Model, cfg.Agents.Nutrition.MaxTokens, cfg.Agents.Nutrition.Temperature)

	router := dispatch.NewRouter(stores.Contacts, stores.Interactions,
		sales, nutrition, waClient, cfg.Agents.HistoryLimit)

	manager := buffer.NewManager(bufferConfig(cfg.Buffer),
		stores.Buffers, stores.Interactions, router, alerts, events)
	manager.Start(ctx)
	defer manager.Stop()

	server := httpapi.NewServer(cfg.Gateway, stores, manager, events, waClient)

	// The sender allowlist applies on config file edits without a restart.
	// Structural changes (backend, port, timing) still need one.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			server.UpdateAllowFrom(next.Gateway.AllowFrom)
			slog.Info("config reloaded", "path", cfgPath, "allow_from", len(next.Gateway.AllowFrom))
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
		return nil
	})

	slog.Info("zapgate started", "version", Version, "mode", cfg.Database.Mode)
	if err := g.Wait(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		slog.Info("using postgres stores")
		return pg.NewStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	}
	dataDir := config.ExpandHome(cfg.Storage.DataDir)
	slog.Info("using file stores", "data_dir", dataDir)
	return filestore.NewStores(dataDir)
}

func bufferConfig(b config.BufferConfig) buffer.Config {
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return buffer.Config{
		Window:             secs(b.WindowSeconds),
		CheckInterval:      secs(b.CheckIntervalSeconds),
		LockTimeout:        secs(b.LockTimeoutSeconds),
		StuckAge:           secs(b.StuckAgeSeconds),
		HealthInterval:     secs(b.HealthIntervalSeconds),
		StuckLockThreshold: secs(b.StuckLockSeconds),
		UnprocessedAge:     secs(b.UnprocessedSeconds),
		HighRetryThreshold: b.HighRetryThreshold,
	}
}
