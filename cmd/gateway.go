package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wabridge/internal/backend"
	"github.com/nextlevelbuilder/wabridge/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/confirm"
	"github.com/nextlevelbuilder/wabridge/internal/dispatch"
	"github.com/nextlevelbuilder/wabridge/internal/gateway"
	"github.com/nextlevelbuilder/wabridge/internal/ocr"
	"github.com/nextlevelbuilder/wabridge/internal/session"
	"github.com/nextlevelbuilder/wabridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/wabridge/internal/tracing"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

const defaultDrainTimeout = 15 * time.Second

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Backend.WebhookURL == "" {
		slog.Warn("backend.webhook_url is not set; queries will get the error notice until it is")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}

	confirmStore, closeStore, err := openConfirmationStore(cfg.Confirmations)
	if err != nil {
		slog.Error("failed to open confirmation store", "error", err)
		os.Exit(1)
	}

	var extractor ocr.Extractor
	if cfg.OCR.Enabled {
		extractor = ocr.NewClient(ocr.Config{
			URL:       cfg.OCR.URL,
			APIKey:    cfg.OCR.APIKey,
			Languages: cfg.OCR.Languages,
			Timeout:   cfg.OCR.Timeout.Duration(),
		}, nil)
		slog.Info("image text extraction enabled", "url", cfg.OCR.URL, "languages", cfg.OCR.Languages)
	}

	webhook := backend.NewClient(backend.Config{
		URL:     cfg.Backend.WebhookURL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: cfg.Backend.Timeout.Duration(),
	}, nil)

	transport, err := whatsapp.FromConfig(cfg.WhatsApp)
	if err != nil {
		slog.Error("invalid whatsapp config", "error", err)
		os.Exit(1)
	}
	manager := session.NewManager(transport, session.Options{
		ReconnectDelay:     cfg.WhatsApp.ReconnectDelay.Duration(),
		LogoutRestartDelay: cfg.WhatsApp.LogoutRestartDelay.Duration(),
		PairingWait:        cfg.WhatsApp.PairingWait.Duration(),
		PairingMethod:      cfg.WhatsApp.PairingMethod,
	})

	engine := dispatch.New(manager, webhook, dispatch.Options{
		Rules:           triggerRules(cfg.TriggerRules()),
		Notices:         cfg.Notices(),
		Confirmations:   confirmStore,
		ConfirmationTTL: cfg.Confirmations.TTL.Duration(),
		OCR:             extractor,
	})
	manager.SetHandler(engine.HandleMessage)

	server := gateway.NewServer(cfg, manager, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		w := config.NewWatcher(cfgPath, cfg, makeConfigReloadHandler(cfg, engine))
		if err := w.Run(gctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})
	if p, ok := confirmStore.(confirmationPurger); ok && cfg.Confirmations.TTL.Duration() > 0 {
		g.Go(func() error {
			runConfirmationPurger(gctx, p, cfg.Confirmations.TTL.Duration())
			return nil
		})
	}

	slog.Info("wabridge gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"bridge", cfg.WhatsApp.BridgeURL,
		"pairing_method", cfg.WhatsApp.PairingMethod,
		"confirmations", cfg.Confirmations.Storage,
	)

	// A failed first dial is retried by the manager.
	if err := manager.Start(gctx); err != nil {
		slog.Warn("initial bridge connect failed", "error", err)
	}

	if err := g.Wait(); err != nil {
		slog.Error("gateway stopped", "error", err)
	}
	slog.Info("graceful shutdown initiated")

	drain := cfg.Gateway.ShutdownTimeout.Duration()
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	// Queued replies still need the session, so drain before closing it.
	if err := engine.Shutdown(drainCtx); err != nil {
		slog.Warn("queue drain incomplete", "error", err)
	}
	if err := manager.Shutdown(drainCtx); err != nil {
		slog.Warn("session close failed", "error", err)
	}
	if err := closeStore(); err != nil {
		slog.Warn("confirmation store close failed", "error", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(drainCtx); err != nil {
			slog.Warn("telemetry flush failed", "error", err)
		}
	}
	slog.Info("wabridge gateway stopped")
}

// openConfirmationStore returns the configured store and its closer.
func openConfirmationStore(cfg config.ConfirmationsConfig) (confirm.Store, func() error, error) {
	if cfg.Storage != "sqlite" {
		return confirm.NewMemoryStore(), func() error { return nil }, nil
	}
	path := config.ExpandHome(cfg.Path)
	s, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("pending confirmations persisted", "path", path)
	return s, s.Close, nil
}
