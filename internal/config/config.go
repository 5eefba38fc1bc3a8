package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport selects how SDP offers and ICE candidates reach the backend.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Config contains all runtime settings for the voxlink call agent.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	BackendBaseURL     string
	SignalingWSBaseURL string
	AccessToken        string
	SignalingTransport string

	ICEServers     []string
	StopFlushDelay time.Duration

	DeviceBackend string

	DefaultWorkflowID string

	DatabaseURL  string
	HistoryDepth int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("VOXLINK_BIND_ADDR", ":8090"),
		MetricsNamespace:   envOrDefault("VOXLINK_METRICS_NAMESPACE", "voxlink"),
		LogLevel:           envOrDefault("VOXLINK_LOG_LEVEL", "info"),
		BackendBaseURL:     envOrDefault("VOXLINK_BACKEND_URL", "http://localhost:8000"),
		SignalingWSBaseURL: strings.TrimSpace(os.Getenv("VOXLINK_SIGNALING_WS_URL")),
		AccessToken:        strings.TrimSpace(os.Getenv("VOXLINK_ACCESS_TOKEN")),
		SignalingTransport: envOrDefault("VOXLINK_SIGNALING_TRANSPORT", TransportHTTP),
		// Public STUN only; the backend media server provides relay when needed.
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
		StopFlushDelay:    500 * time.Millisecond,
		DeviceBackend:     envOrDefault("VOXLINK_DEVICE_BACKEND", "auto"),
		DefaultWorkflowID: strings.TrimSpace(os.Getenv("VOXLINK_WORKFLOW_ID")),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HistoryDepth:      50,
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("VOXLINK_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StopFlushDelay, err = durationFromEnv("VOXLINK_STOP_FLUSH_DELAY", cfg.StopFlushDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryDepth, err = intFromEnv("VOXLINK_HISTORY_DEPTH", cfg.HistoryDepth)
	if err != nil {
		return Config{}, err
	}
	if servers := strings.TrimSpace(os.Getenv("VOXLINK_ICE_SERVERS")); servers != "" {
		cfg.ICEServers = splitNonEmpty(servers, ",")
	}

	switch cfg.SignalingTransport {
	case TransportHTTP, TransportWebSocket:
	default:
		return Config{}, fmt.Errorf("VOXLINK_SIGNALING_TRANSPORT must be %q or %q", TransportHTTP, TransportWebSocket)
	}
	if cfg.SignalingTransport == TransportWebSocket && cfg.SignalingWSBaseURL == "" {
		return Config{}, fmt.Errorf("VOXLINK_SIGNALING_WS_URL is required for the websocket transport")
	}
	switch cfg.DeviceBackend {
	case "auto", "mediadevices", "mock":
	default:
		return Config{}, fmt.Errorf("VOXLINK_DEVICE_BACKEND must be auto, mediadevices or mock")
	}
	if cfg.StopFlushDelay < 0 {
		return Config{}, fmt.Errorf("VOXLINK_STOP_FLUSH_DELAY must not be negative")
	}
	if cfg.HistoryDepth <= 0 {
		return Config{}, fmt.Errorf("VOXLINK_HISTORY_DEPTH must be positive")
	}
	if len(cfg.ICEServers) == 0 {
		return Config{}, fmt.Errorf("VOXLINK_ICE_SERVERS must list at least one server")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
