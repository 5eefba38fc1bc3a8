package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/call"
	"github.com/voxlinkhq/voxlink/internal/config"
	"github.com/voxlinkhq/voxlink/internal/device"
	"github.com/voxlinkhq/voxlink/internal/httpapi"
	"github.com/voxlinkhq/voxlink/internal/journal"
	"github.com/voxlinkhq/voxlink/internal/observability"
	"github.com/voxlinkhq/voxlink/internal/platform"
	"github.com/voxlinkhq/voxlink/internal/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config error")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	tokens := platform.StaticToken(cfg.AccessToken)
	backend := platform.NewClient(cfg.BackendBaseURL, tokens, log)

	ctx := context.Background()
	store, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("call journal init failed")
	}
	defer store.Close()

	devices := device.NewManager(newDeviceBackend(cfg, log), log)
	if err := devices.Refresh(); err != nil {
		log.Warn().Err(err).Msg("initial device enumeration failed")
	}

	factory, transportName := newTransportFactory(cfg, tokens, metrics, log)
	runner := call.NewRunner(backend, devices, tokens, factory, transportName, store, metrics, cfg.ICEServers, cfg.StopFlushDelay, log)

	api := httpapi.New(cfg, runner, devices, store, metrics, log)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Str("transport", transportName).Msg("control api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

func newDeviceBackend(cfg config.Config, log zerolog.Logger) device.Backend {
	mode := strings.ToLower(strings.TrimSpace(cfg.DeviceBackend))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "mock":
		log.Info().Msg("device backend: mock")
		return device.NewMockBackend(device.Info{ID: "mock-mic", Label: "Mock Microphone"})
	case "mediadevices":
		b, err := device.NewMediaDevicesBackend()
		if err != nil {
			log.Fatal().Err(err).Msg("media devices backend init failed")
		}
		return b
	case "auto":
		b, err := device.NewMediaDevicesBackend()
		if err != nil {
			log.Warn().Err(err).Msg("media devices unavailable, using mock microphone")
			return device.NewMockBackend(device.Info{ID: "mock-mic", Label: "Mock Microphone"})
		}
		return b
	default:
		log.Fatal().Str("backend", cfg.DeviceBackend).Msg("invalid VOXLINK_DEVICE_BACKEND (expected auto|mediadevices|mock)")
		return nil
	}
}

func newTransportFactory(cfg config.Config, tokens platform.TokenSource, metrics *observability.Metrics, log zerolog.Logger) (call.TransportFactory, string) {
	switch cfg.SignalingTransport {
	case config.TransportWebSocket:
		factory := func(ctx context.Context, workflowID, workflowRunID string) (signaling.Transport, error) {
			return signaling.DialWebSocket(ctx, cfg.SignalingWSBaseURL, workflowID, workflowRunID, tokens, metrics, log)
		}
		return factory, "websocket"
	default:
		factory := func(_ context.Context, _, _ string) (signaling.Transport, error) {
			return signaling.NewHTTPTransport(cfg.BackendBaseURL, tokens, metrics, log), nil
		}
		return factory, "http"
	}
}
