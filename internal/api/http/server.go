package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"justserve/internal/domain"
	"justserve/internal/services/session"
)

type SessionController interface {
	StartSession(ctx context.Context, kind domain.SessionKind, params domain.SessionParams) (string, error)
	StopSession(ctx context.Context) error
	AcknowledgeFault() error
	StartP2PSend(ctx context.Context, path string) (domain.P2PSession, error)
	ConnectToPeer(ctx context.Context, address string) (domain.P2PSession, error)
	StopP2P(ctx context.Context) error
	DiscoverPeers(ctx context.Context, timeout time.Duration) []domain.Peer
	Snapshot() session.Snapshot
}

type LogStore interface {
	Entries() []domain.LogEntry
	Clear()
}

type SettingsController interface {
	Get() domain.Preferences
	Apply(patch map[domain.PreferenceField]any) (domain.Preferences, error)
	Reset(ctx context.Context) (domain.Preferences, error)
}

type CheckUpdateUseCase interface {
	Execute(ctx context.Context) domain.UpdateInfo
}

type InstallUpdateUseCase interface {
	Execute(ctx context.Context, downloadURL string) (string, error)
}

type UpdateCache interface {
	Latest() (domain.UpdateInfo, bool)
}

const (
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
)

type Server struct {
	sessions       SessionController
	logs           LogStore
	settings       SettingsController
	checkUpdate    CheckUpdateUseCase
	installUpdate  InstallUpdateUseCase
	updates        UpdateCache
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithLogs(logs LogStore) ServerOption {
	return func(s *Server) {
		s.logs = logs
	}
}

func WithSettings(ctrl SettingsController) ServerOption {
	return func(s *Server) {
		s.settings = ctrl
	}
}

func WithUpdates(check CheckUpdateUseCase, install InstallUpdateUseCase, cache UpdateCache) ServerOption {
	return func(s *Server) {
		s.checkUpdate = check
		s.installUpdate = install
		s.updates = cache
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(sessions SessionController, opts ...ServerOption) *Server {
	s := &Server{
		sessions:  sessions,
		rateRPS:   defaultRateLimitRPS,
		rateBurst: defaultRateLimitBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/session/start", s.handleStartSession)
	mux.HandleFunc("/session/stop", s.handleStopSession)
	mux.HandleFunc("/session/ack", s.handleAcknowledgeFault)
	mux.HandleFunc("/p2p/send", s.handleP2PSend)
	mux.HandleFunc("/p2p/stop", s.handleP2PStop)
	mux.HandleFunc("/p2p/connect", s.handleP2PConnect)
	mux.HandleFunc("/p2p/discover", s.handleP2PDiscover)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/settings/reset", s.handleSettingsReset)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/update/check", s.handleUpdateCheck)
	mux.HandleFunc("/update/install", s.handleUpdateInstall)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "justserve",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/ws"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// BroadcastState pushes a controller snapshot to all websocket clients.
func (s *Server) BroadcastState(snap session.Snapshot) {
	if s.wsHub != nil {
		s.wsHub.Broadcast("state", snap)
	}
}

func (s *Server) BroadcastLogs(entries []domain.LogEntry) {
	if s.wsHub != nil {
		s.wsHub.Broadcast("logs", entries)
	}
}

func (s *Server) BroadcastSettings(prefs domain.Preferences) {
	if s.wsHub != nil {
		s.wsHub.Broadcast("settings", prefs)
	}
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	// Initial state so a fresh client does not wait for the next change.
	if payload, err := encodeWSMessage("state", s.sessions.Snapshot()); err == nil {
		client.send <- payload
	}
	if s.logs != nil {
		if payload, err := encodeWSMessage("logs", s.logs.Entries()); err == nil {
			client.send <- payload
		}
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
