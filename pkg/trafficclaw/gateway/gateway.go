// Package gateway exposes the assistant over HTTP: conversation turns,
// confirmation decisions, the tool catalog, health and Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.0.0"

// HealthChecker reports the state of a dependency. *database.DB implements it.
type HealthChecker interface {
	Health(ctx context.Context) map[string]any
}

// Options are the optional collaborators of the gateway.
type Options struct {
	Channels []channels.Channel
	Database HealthChecker

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Gateway is the HTTP API.
type Gateway struct {
	assistant *copilot.Assistant
	config    copilot.GatewayConfig
	channels  []channels.Channel
	database  HealthChecker
	gatherer  prometheus.Gatherer

	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway.
func New(assistant *copilot.Assistant, cfg copilot.GatewayConfig, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Gateway{
		assistant: assistant,
		config:    cfg,
		channels:  opts.Channels,
		database:  opts.Database,
		gatherer:  gatherer,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with every middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/turn", g.handleTurn)
	mux.HandleFunc("GET /api/tools", g.handleTools)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("GET /api/confirmations", g.handleListConfirmations)
	mux.HandleFunc("GET /api/confirmations/{id}", g.handleGetConfirmation)
	mux.HandleFunc("POST /api/confirmations/{id}/confirm", g.handleDecision(copilot.DecisionConfirm))
	mux.HandleFunc("POST /api/confirmations/{id}/cancel", g.handleDecision(copilot.DecisionCancel))
	mux.HandleFunc("POST /api/confirmations/{id}/select", g.handleSelect)
	mux.HandleFunc("DELETE /api/history", g.handleClearHistory)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(g.logMiddleware(mux))))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address", "address", g.config.Address)
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "err", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, _ := net.SplitHostPort(address)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
