// Command parlo is the main entry point for the Parlo live voice client.
package main

import (
	"context"
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

	"github.com/parlo-chat/parlo/internal/capture"
	"github.com/parlo-chat/parlo/internal/config"
	"github.com/parlo-chat/parlo/internal/health"
	"github.com/parlo-chat/parlo/internal/observe"
	"github.com/parlo-chat/parlo/internal/playback"
	"github.com/parlo-chat/parlo/internal/voice"
	"github.com/parlo-chat/parlo/pkg/live"
	"github.com/parlo-chat/parlo/pkg/live/gemini"
	"github.com/parlo-chat/parlo/pkg/live/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parlo.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlo: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlo: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can adjust it at
	// runtime without recreating the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("parlo starting",
		"config", *configPath,
		"provider", cfg.Live.Provider,
		"ops_addr", cfg.Server.OpsAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parlo",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Live transport ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDialers(reg)

	dialer, err := reg.CreateDialer(cfg.Live)
	if err != nil {
		slog.Error("failed to create live transport", "provider", cfg.Live.Provider, "err", err)
		return 1
	}
	slog.Info("live transport created", "provider", cfg.Live.Provider, "model", cfg.Live.Model)

	// ── Session controller ────────────────────────────────────────────────────
	mic := capture.New(capture.NewPortAudioSource())

	var ctrlOpts []voice.Option
	if cfg.Session.FailedRetryDelay > 0 {
		ctrlOpts = append(ctrlOpts, voice.WithFailedDelay(cfg.Session.FailedRetryDelay))
	}
	controller := voice.New(dialer, live.Config{
		Model:        cfg.Live.Model,
		Voice:        cfg.Live.Voice,
		Instructions: cfg.Live.Instructions,
	}, mic, func() (playback.Sink, error) {
		return playback.NewPortAudioSink()
	}, ctrlOpts...)
	defer controller.Close()

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("configuration change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Ops HTTP server ───────────────────────────────────────────────────────
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Server.OpsAddr != "" {
		srv := newOpsServer(cfg.Server.OpsAddr, controller)

		g.Go(func() error {
			slog.Info("ops server listening", "addr", cfg.Server.OpsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Start the session ─────────────────────────────────────────────────────
	if err := controller.Start(ctx); err != nil {
		slog.Error("failed to start voice session", "err", err)
		// The ops server stays up so the failure is observable; the controller
		// returns to Idle on its own and can be restarted out of band.
	}

	slog.Info("parlo ready — press Ctrl+C to shut down")

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping…")

	if err := controller.Stop(); err != nil {
		slog.Warn("session stop error", "err", err)
	}

	if err := g.Wait(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinDialers wires the live transport factories that ship with
// Parlo into reg.
func registerBuiltinDialers(reg *config.Registry) {
	reg.RegisterDialer("gemini", func(entry config.LiveConfig) (live.Dialer, error) {
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini: api_key is empty and GEMINI_API_KEY is not set")
		}
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if entry.SendQueueDepth > 0 {
			opts = append(opts, gemini.WithSendQueueDepth(entry.SendQueueDepth))
		}
		return gemini.New(apiKey, opts...), nil
	})

	// mock connects nowhere; useful for exercising the session lifecycle and
	// the ops endpoints without credentials or audio hardware.
	reg.RegisterDialer("mock", func(config.LiveConfig) (live.Dialer, error) {
		d := &mock.Dialer{Session: &mock.Session{}}
		return d, nil
	})
}

// ── Ops server ────────────────────────────────────────────────────────────────

// newOpsServer builds the operational HTTP server: Prometheus metrics plus
// the health and session-status endpoints, all wrapped in the telemetry
// middleware.
func newOpsServer(addr string, controller *voice.Controller) *http.Server {
	mux := http.NewServeMux()

	h := health.New([]health.Checker{
		{Name: "session", Check: func(context.Context) error {
			if controller.Status() == voice.StateFailed {
				return fmt.Errorf("session failed: %v", controller.Err())
			}
			return nil
		}},
	}, health.WithSessionStatus(func() health.SessionStatus {
		st := health.SessionStatus{State: controller.Status().String()}
		if err := controller.Err(); err != nil {
			st.Error = err.Error()
		}
		return st
	}))
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
