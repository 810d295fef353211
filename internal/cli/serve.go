package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/KafClaw/wagate/internal/bus"
	"github.com/KafClaw/wagate/internal/channels"
	"github.com/KafClaw/wagate/internal/config"
	"github.com/KafClaw/wagate/internal/generator"
	"github.com/KafClaw/wagate/internal/httpapi"
	"github.com/KafClaw/wagate/internal/instancelock"
	"github.com/KafClaw/wagate/internal/logging"
	"github.com/KafClaw/wagate/internal/observability"
	"github.com/KafClaw/wagate/internal/ratelimit"
	"github.com/KafClaw/wagate/internal/registry"
	"github.com/KafClaw/wagate/internal/statussync"
	"github.com/KafClaw/wagate/internal/timeline"
)

const pruneInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway: tenant sessions, control API and status sinks",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
	},
}

var serveSignalNotify = signal.Notify

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Init("wagate", cfg.Log.Format, cfg.Log.Level)

	for _, dir := range []string{cfg.Paths.DataDir, cfg.WhatsApp.StoreDir, filepath.Dir(cfg.Paths.TimelineDB)} {
		if err := config.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	lock, err := instancelock.Acquire(cfg.Paths.DataDir)
	if err != nil {
		if errors.Is(err, instancelock.ErrHeld) {
			return fmt.Errorf("%w; holder pid %d", err, instancelock.Holder(cfg.Paths.DataDir))
		}
		return err
	}
	defer lock.Release()

	tl, err := timeline.NewTimelineService(cfg.Paths.TimelineDB)
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}
	defer tl.Close()

	sinks, closeSinks, err := buildSinks(cfg, tl)
	if err != nil {
		return err
	}
	defer closeSinks()

	statusBus := bus.NewStatusBus(256)
	syncer := statussync.New(statussync.Options{
		Sinks:       sinks,
		Publisher:   statusBus,
		QueueSize:   cfg.ControlPlane.QueueSize,
		SendTimeout: cfg.ControlPlane.Timeout,
	})
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go statusBus.Dispatch(busCtx)
	go syncer.Run(context.Background())

	if cfg.Generator.APIKey == "" {
		slog.Warn("serve: no generator API key configured, every turn will get the fallback reply")
	}
	gen := generator.NewOpenAIGenerator(cfg.Generator, tl)

	reg := registry.New(registry.Options{
		Factory:          channels.NewWhatsAppFactory(cfg.WhatsApp, logger),
		Notifier:         syncer,
		Generator:        gen,
		Session:          cfg.Session,
		Debounce:         cfg.Debounce,
		SettleDelay:      cfg.Registry.SettleDelay,
		ColdStartStagger: cfg.Registry.ColdStartStagger,
		InitTimeout:      cfg.Registry.InitTimeout,
		GenerateTimeout:  cfg.Registry.GenerateTimeout,
		FallbackReply:    cfg.Registry.FallbackReply,
		Silent:           tl.IsSilentMode,
		OnLogout:         logoutHook(tl, syncer),
	})

	limiter := ratelimit.New(cfg.RateLimit, nil)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(promReg)

	hub := httpapi.NewHub(statusBus, cfg.Gateway.AllowedOrigins)
	defer hub.Close()
	api := &httpapi.API{
		Sessions: reg,
		Limiter:  limiter,
		Hub:      hub,
		History:  tl,
		Silence:  tl,
		Gatherer: promReg,
	}
	server := &http.Server{
		Addr:              cfg.Gateway.Addr(),
		Handler:           httpapi.NewRouter(api, cfg.Gateway.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("serve: control API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Registry.Autostart {
		ids, err := tl.ResumableTenants()
		if err != nil {
			slog.Warn("serve: reading resumable tenants failed", "error", err)
		} else if len(ids) > 0 {
			go func() {
				n := reg.Autostart(ctx, ids)
				slog.Info("serve: autostart finished", "tenants", len(ids), "started", n)
			}()
		}
	}
	go runJanitor(ctx, limiter, syncer, reg, cfg.ControlPlane.ResyncInterval)

	sigCh := make(chan os.Signal, 1)
	serveSignalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("serve: shutting down", "signal", sig.String())
	case err := <-serverErr:
		cancel()
		reg.Shutdown(context.Background())
		syncer.Close()
		return fmt.Errorf("control API: %w", err)
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("serve: http shutdown", "error", err)
	}
	reg.Shutdown(shutdownCtx)
	syncer.Close()
	slog.Info("serve: stopped")
	return nil
}

// buildSinks returns the status sinks enabled in cfg and a func closing them.
func buildSinks(cfg *config.Config, tl *timeline.TimelineService) ([]statussync.Sink, func(), error) {
	sinks := []statussync.Sink{statussync.NewTimelineSink(tl)}
	var closers []func() error

	if cfg.ControlPlane.URL != "" {
		sinks = append(sinks, statussync.NewHTTPSink(statussync.HTTPSinkConfig{
			BaseURL:         cfg.ControlPlane.URL,
			Secret:          cfg.ControlPlane.Secret,
			Timeout:         cfg.ControlPlane.Timeout,
			BreakerFailures: cfg.ControlPlane.BreakerFailures,
			BreakerCooldown: cfg.ControlPlane.BreakerCooldown,
		}))
	} else {
		slog.Warn("serve: no control plane URL configured, statuses stay local")
	}
	if cfg.Kafka.Enabled {
		k := statussync.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.AMQP.Enabled {
		a, err := statussync.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, fmt.Errorf("amqp sink: %w", err)
		}
		sinks = append(sinks, a)
		closers = append(closers, a.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("serve: closing sink", "error", err)
			}
		}
	}
	return sinks, closeAll, nil
}

// logoutHook erases what the gateway keeps about a tenant after its
// credentials were removed.
func logoutHook(tl *timeline.TimelineService, syncer *statussync.Synchronizer) func(string) {
	return func(tenantID string) {
		syncer.Forget(tenantID)
		if n, err := tl.ClearChatHistory(tenantID); err != nil {
			slog.Warn("serve: clearing chat history failed", "tenant", tenantID, "error", err)
		} else if n > 0 {
			slog.Info("serve: chat history cleared", "tenant", tenantID, "messages", n)
		}
	}
}

// runJanitor prunes stale rate-limit records and, when configured, re-pushes
// every tenant's status.
func runJanitor(ctx context.Context, limiter *ratelimit.Limiter, sync *statussync.Synchronizer, reg *registry.Registry, resync time.Duration) {
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	var resyncC <-chan time.Time
	if resync > 0 {
		t := time.NewTicker(resync)
		defer t.Stop()
		resyncC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			if n := limiter.Prune(); n > 0 {
				slog.Debug("serve: pruned rate limit records", "removed", n)
			}
		case <-resyncC:
			sync.Resync(reg.Snapshots())
		}
	}
}
