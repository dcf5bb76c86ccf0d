// Command voxnexus-worker is the WebRTC agent worker: it consumes agent
// dispatches from the fabric, claims rooms, and runs voice sessions against
// the media gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxnexus/voxnexus/internal/claim"
	"github.com/voxnexus/voxnexus/internal/config"
	"github.com/voxnexus/voxnexus/internal/fabric"
	"github.com/voxnexus/voxnexus/internal/guardian"
	"github.com/voxnexus/voxnexus/internal/health"
	"github.com/voxnexus/voxnexus/internal/lessons"
	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/internal/tools"
	"github.com/voxnexus/voxnexus/internal/worker"
	"github.com/voxnexus/voxnexus/pkg/provider/embeddings"
	"github.com/voxnexus/voxnexus/pkg/rtc"
	"github.com/voxnexus/voxnexus/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxnexus-worker: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("voxnexus worker starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxnexus-worker"})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("store init failed", "error", err)
		return 1
	}
	defer st.Close()

	broker, err := fabric.NewRedis(ctx, brokerURL(cfg.Broker), logger)
	if err != nil {
		slog.Error("broker init failed", "error", err)
		return 1
	}
	defer broker.Close()

	registry := config.NewRegistry()
	config.RegisterBuiltins(registry)
	factory := config.NewSessionFactory(registry, cfg.Providers, logger)

	var gopts []guardian.Option
	if cfg.Guardian.AlertWebhook != "" {
		gopts = append(gopts, guardian.WithAlerts(
			guardian.NewAlertPusher(cfg.Guardian.AlertWebhook, cfg.Guardian.APIKey, logger)))
	}
	if cfg.Guardian.AutoHandoffThreshold > 0 {
		gopts = append(gopts, guardian.WithDefaultThreshold(cfg.Guardian.AutoHandoffThreshold))
	}
	supervisor := guardian.New(broker, st, logger, gopts...)

	var embedder embeddings.Provider
	if cfg.Providers.Embeddings.Name != "" {
		if embedder, err = registry.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
			slog.Error("embeddings provider init failed", "error", err)
			return 1
		}
	}
	synthesizer := tools.New(st, embedder, lessons.New(st, logger), logger)

	connector := &rtc.Dialer{
		GatewayURL: cfg.LiveKit.GatewayURL,
		Issuer:     rtc.NewTokenIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret),
		Logger:     logger,
	}

	mux := http.NewServeMux()
	claim.NewService(broker, 0, logger).Register(mux)
	claimBase := cfg.RoomClaim.BaseURL
	if claimBase == "" {
		// Self-hosted claim service on the admin mux.
		claimBase = "http://127.0.0.1" + cfg.Server.ListenAddr
	}
	claims := claim.NewClient(claimBase)

	ctrl := worker.New(worker.Config{
		Language: cfg.Session.Language,
		Greeting: cfg.Session.Greeting,
	}, st, claims, connector, factory, supervisor, synthesizer, broker, logger)

	health.New(
		health.Checker{Name: "database", Check: st.Ping},
		health.Checker{Name: "broker", Check: broker.Ping},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	startedAt := time.Now()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "healthy",
			"active_sessions": ctrl.ActiveSessions(),
			"uptime_secs":     int(time.Since(startedAt).Seconds()),
		})
	})

	if err := supervisor.Run(ctx); err != nil {
		slog.Error("guardian start failed", "error", err)
		return 1
	}

	err = broker.Subscribe(ctx, fabric.ChannelDispatch, func(payload []byte) {
		var d worker.Dispatch
		if err := json.Unmarshal(payload, &d); err != nil {
			slog.Warn("malformed dispatch dropped", "error", err)
			return
		}
		go func() {
			if err := ctrl.HandleDispatch(ctx, d); err != nil {
				slog.Error("dispatch failed", "room", d.RoomName, "error", err)
			}
		}()
	})
	if err != nil {
		slog.Error("dispatch subscription failed", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		claim.NewHeartbeat(broker, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("worker ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// brokerURL assembles a redis:// URL from the broker config block.
func brokerURL(cfg config.BrokerConfig) string {
	auth := ""
	if cfg.Password != "" {
		auth = ":" + cfg.Password + "@"
	}
	return fmt.Sprintf("redis://%s%s/%d", auth, cfg.Addr, cfg.DB)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
