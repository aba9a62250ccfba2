package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentvault/internal/domain"
	"torrentvault/internal/usecase"
)

type TorrentLifecycle interface {
	Add(ctx context.Context, uri string) (usecase.AddResult, error)
	ListAll(ctx context.Context) ([]usecase.TorrentView, error)
	GetOne(ctx context.Context, id domain.TorrentID) (usecase.TorrentView, error)
	Toggle(ctx context.Context, id domain.TorrentID) (bool, error)
	SelectFiles(ctx context.Context, id domain.TorrentID, indices []int) error
	Remove(ctx context.Context, id domain.TorrentID, deleteFiles bool) error
	Archive(ctx context.Context, id domain.TorrentID) error
}

type DiskReporter interface {
	DiskInfo(ctx context.Context) usecase.DiskInfo
}

const (
	defaultRateLimitRPS   = 100
	defaultRateLimitBurst = 200
	broadcastTimeout      = 5 * time.Second
)

type Server struct {
	lifecycle      TorrentLifecycle
	disk           DiskReporter
	allowedOrigins []string
	gatherer       prometheus.Gatherer
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithDiskReporter(disk DiskReporter) ServerOption {
	return func(s *Server) {
		s.disk = disk
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithGatherer serves /metrics from gatherer instead of the default registry.
func WithGatherer(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(lifecycle TorrentLifecycle, opts ...ServerOption) *Server {
	s := &Server{lifecycle: lifecycle}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	metricsHandler := promhttp.Handler()
	if s.gatherer != nil {
		metricsHandler = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/torrents", s.handleTorrents)
	mux.HandleFunc("/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/disk", s.handleDisk)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrentvault",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health" && p != "/ws"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(defaultRateLimitRPS, defaultRateLimitBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastTorrents lists all torrents and pushes their summaries to every
// connected WebSocket client.
func (s *Server) BroadcastTorrents(ctx context.Context) {
	if s.wsHub == nil || s.lifecycle == nil || s.wsHub.clientCount() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	views, err := s.lifecycle.ListAll(ctx)
	if err != nil {
		s.logger.Debug("ws broadcast torrents failed", slog.String("error", err.Error()))
		return
	}
	s.wsHub.Broadcast("torrents", summarize(views))
}

// RunBroadcast calls BroadcastTorrents every interval until ctx is done.
func (s *Server) RunBroadcast(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.BroadcastTorrents(ctx)
		}
	}
}

// Close stops the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
