// Command callscribe is the telephony transcription bridge: it accepts
// provider media streams, transcribes technician speech in near real
// time, and pushes transcripts to browsers and the analysis pipeline.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tkellem/callscribe/internal/agentpipe"
	"github.com/tkellem/callscribe/internal/config"
	"github.com/tkellem/callscribe/internal/gateway"
	"github.com/tkellem/callscribe/internal/health"
	"github.com/tkellem/callscribe/internal/observe"
	"github.com/tkellem/callscribe/internal/registry"
	"github.com/tkellem/callscribe/internal/transcriptws"
	"github.com/tkellem/callscribe/pkg/provider/stt"
	"github.com/tkellem/callscribe/pkg/provider/stt/deepgram"
	openaistt "github.com/tkellem/callscribe/pkg/provider/stt/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env next to the binary is a development convenience; absence
	// is not an error.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callscribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.STT.Backend,
		"language", cfg.STT.Language,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callscribe"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── STT backend ───────────────────────────────────────────────────────────
	batch, stream, err := buildSTT(cfg)
	if err != nil {
		slog.Error("failed to build STT provider", "err", err)
		return 1
	}

	// An unusable recordings directory is a boot failure, not a
	// per-call surprise.
	if cfg.Recording.On() {
		if err := health.RecordingsDirCheck(cfg.Recording.Dir)(ctx); err != nil {
			slog.Error("recordings directory unusable", "dir", cfg.Recording.Dir, "err", err)
			return 1
		}
	}

	// ── Agent pipeline ────────────────────────────────────────────────────────
	var submit agentpipe.Submitter = agentpipe.Noop{}
	if cfg.Agent.Endpoint != "" {
		submit = agentpipe.NewClient(cfg.Agent.Endpoint, cfg.Agent.Token)
		slog.Info("agent pipeline forwarding enabled", "endpoint", cfg.Agent.Endpoint)
	}

	// ── Wiring ────────────────────────────────────────────────────────────────
	reg := registry.New(cfg.Session.IdleTimeoutDuration(), metrics, logger)
	gw := gateway.New(cfg, reg, batch, stream, submit, metrics, logger)
	push := transcriptws.New(reg, metrics, logger)

	probes := health.NewHandler()
	if cfg.Recording.On() {
		probes.Add("recordings_dir", health.RecordingsDirCheck(cfg.Recording.Dir))
	}
	probes.Add("stt", health.STTCheck(cfg.STT))

	mux := http.NewServeMux()
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET "+cfg.Server.MediaStreamPath, gw.HandleMediaStream)
	mux.HandleFunc("GET /transcription/{id}", push.HandleTranscription)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Blocks until shutdown, then drains every live session with
		// reason "server_shutdown".
		if err := reg.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		slog.Info("shutdown signal received, stopping…")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildSTT constructs the provider the configuration selects; exactly
// one of the two returns is non-nil.
func buildSTT(cfg *config.Config) (stt.BatchProvider, stt.StreamProvider, error) {
	switch cfg.STT.Backend {
	case config.BackendBatch:
		var opts []openaistt.Option
		if cfg.STT.Batch.Model != "" {
			opts = append(opts, openaistt.WithModel(cfg.STT.Batch.Model))
		}
		if cfg.STT.Batch.BaseURL != "" {
			opts = append(opts, openaistt.WithBaseURL(cfg.STT.Batch.BaseURL))
		}
		p, err := openaistt.New(cfg.STT.Batch.APIKey, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case config.BackendStreaming:
		var opts []deepgram.Option
		if cfg.STT.Streaming.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.STT.Streaming.Model))
		}
		if cfg.STT.Streaming.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(cfg.STT.Streaming.BaseURL))
		}
		p, err := deepgram.New(cfg.STT.Streaming.APIKey, opts...)
		if err != nil {
			return nil, nil, err
		}
		return nil, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown stt backend %q", cfg.STT.Backend)
	}
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
