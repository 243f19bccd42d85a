package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/audio"
	"github.com/lexiqai/live-transcriber/internal/config"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/postprocess"
	"github.com/lexiqai/live-transcriber/internal/session"
	"github.com/lexiqai/live-transcriber/internal/sink"
	"github.com/lexiqai/live-transcriber/internal/stt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not initialized yet
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Live transcriber failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("capture_mode", cfg.CaptureMode).
		Str("stt_backend", cfg.STTBackend).
		Str("output_dir", cfg.OutputDirectory).
		Str("title", cfg.Title).
		Bool("postprocessing", cfg.PostProcessingEnabled()).
		Msg("Live transcriber starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case sig := <-quit:
			logger.Info().Str("signal", sig.String()).Msg("Stopping capture")
			cancel()
		case <-ctx.Done():
		}
	}()

	file, err := sink.NewFileSink(cfg.OutputDirectory, time.Now())
	if err != nil {
		return err
	}

	var archive *sink.Archive
	if cfg.ArchivePath != "" {
		archive, err = sink.OpenArchive(ctx, cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	broadcaster := sink.NewBroadcaster(observability.Component("broadcast"))

	var grpcHealth *observability.HealthServer
	if cfg.GRPCPort != "" {
		grpcHealth, err = observability.NewHealthServer(":"+cfg.GRPCPort, observability.Component("grpc_health"))
		if err != nil {
			return err
		}
		go grpcHealth.Serve()
		defer grpcHealth.Stop()
		logger.Info().Str("addr", grpcHealth.Addr()).Msg("gRPC health service listening")
	}

	if cfg.HTTPPort != "" {
		server := newHTTPServer(cfg, broadcaster, archive, logger)
		go func() {
			logger.Info().
				Str("port", cfg.HTTPPort).
				Str("live", fmt.Sprintf("ws://localhost:%s/live", cfg.HTTPPort)).
				Msg("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("HTTP server forced to shutdown")
			}
		}()
	}

	source, err := audio.OpenSource(ctx, cfg.CaptureMode, audio.SourceOptions{
		Input:      cfg.AudioInput,
		Sink:       cfg.AudioSink,
		SampleRate: cfg.SampleRate,
		ChunkBytes: cfg.ChunkSize * 2,
		Logger:     observability.Component("audio"),
	})
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}

	transport, err := stt.NewTransport(cfg, observability.Component("stt"))
	if err != nil {
		_ = source.Stop()
		return err
	}

	deps := session.Deps{
		Source:    source,
		Transport: transport,
		File:      file,
		Archive:   archive,
		Sinks:     []sink.Sink{sink.NewConsoleSink(os.Stdout), broadcaster},
	}
	if processor := postprocess.FromConfig(cfg, observability.Component("postprocess")); processor != nil {
		deps.PostProcessor = processor
	}
	if grpcHealth != nil {
		deps.Health = grpcHealth
	}

	sess, err := session.New(cfg, deps)
	if err != nil {
		_ = source.Stop()
		_ = transport.Close()
		return err
	}

	logger.Info().Str("device", source.Device()).Msg("Recording, press Ctrl+C to stop")

	summary, err := sess.Run(ctx)
	if err != nil {
		return err
	}

	event := logger.Info().
		Str("session_id", summary.ID).
		Dur("duration", summary.EndedAt.Sub(summary.StartedAt)).
		Int("sentences", summary.Sentences).
		Int("decode_errors", summary.DecodeErrors)
	if summary.SavedPath != "" {
		event = event.Str("transcript", summary.SavedPath)
	}
	if summary.PostProcess != nil {
		event = event.Str("cleaned", summary.PostProcess.Cleaned).Str("summary", summary.PostProcess.Summary)
	}
	event.Msg("Capture session finished")
	return nil
}

func newHTTPServer(cfg *config.Config, broadcaster *sink.Broadcaster, archive *sink.Archive, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(readinessChecks(cfg, archive)))
	mux.Handle("/live", broadcaster)
	if archive != nil {
		mux.HandleFunc("/sessions", sessionsHandler(archive, logger))
	}

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// no WriteTimeout: /live connections are long-lived
	return &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// sessionsHandler lists archived sessions, most recent first.
func sessionsHandler(archive *sink.Archive, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := archive.Sessions(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list archived sessions")
			http.Error(w, "archive unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sessions); err != nil {
			logger.Warn().Err(err).Msg("Failed to write sessions response")
		}
	}
}

func readinessChecks(cfg *config.Config, archive *sink.Archive) map[string]observability.HealthCheckFunc {
	checks := map[string]observability.HealthCheckFunc{
		"transcription": func(context.Context) (bool, error) {
			// config only; connecting would open a billed stream
			if cfg.DeepgramAPIKey == "" {
				return false, errors.New("no Deepgram API key configured")
			}
			return true, nil
		},
		"output_dir": func(context.Context) (bool, error) {
			probe, err := os.CreateTemp(cfg.OutputDirectory, ".ready-*")
			if err != nil {
				return false, err
			}
			name := probe.Name()
			probe.Close()
			return true, os.Remove(name)
		},
	}
	if archive != nil {
		checks["archive"] = func(ctx context.Context) (bool, error) {
			if err := archive.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return checks
}
