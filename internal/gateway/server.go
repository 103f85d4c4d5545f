// Package gateway is the client-facing edge of the synthesis control plane:
// the /v1/ws/tts WebSocket endpoint readers connect to, the /v1/audio handler
// that serves cached variants, and the health and metrics routes.
//
// The gateway stays thin on purpose. Dispatch decisions, eviction, and status
// fan-out live in internal/dispatch and internal/notify; a session here only
// parses frames, resolves block text, and forwards events to the socket.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/health"
	"github.com/lecternhq/lectern/internal/notify"
	"github.com/lecternhq/lectern/internal/observe"
	"github.com/lecternhq/lectern/internal/registry"
)

// Dispatcher decides what happens to one requested block.
type Dispatcher interface {
	Request(ctx context.Context, req dispatch.Request) dispatch.Result
}

// WindowEvictor prunes queued blocks outside the reader's listening window.
type WindowEvictor interface {
	CursorMoved(ctx context.Context, userID, documentID, modelSlug string, cursor int) ([]int, error)
}

// EventStream is one document's ordered feed of status payloads. Payloads are
// pre-marshalled JSON frames ready to forward to the socket as-is.
type EventStream interface {
	Events() <-chan []byte
	Close() error
}

// EventSource opens per-document event streams.
type EventSource interface {
	Subscribe(ctx context.Context, userID, documentID string) (EventStream, error)
}

// notifySource adapts *notify.Subscriber, whose Subscribe returns the
// concrete stream type, to EventSource.
type notifySource struct {
	sub *notify.Subscriber
}

// NotifySource wraps a notify.Subscriber as an EventSource.
func NotifySource(sub *notify.Subscriber) EventSource {
	return notifySource{sub: sub}
}

func (n notifySource) Subscribe(ctx context.Context, userID, documentID string) (EventStream, error) {
	st, err := n.sub.Subscribe(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// BlockSource resolves block indices to their text.
type BlockSource interface {
	BlockTexts(ctx context.Context, documentID string, indices []int) (map[int]string, error)
}

// AudioCache is the gateway's view of the local audio store: reads for the
// audio handler, batch probes and pins for session warm-up.
type AudioCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	ExistsBatch(ctx context.Context, keys []string) ([]string, error)
	Pin(ctx context.Context, keys ...string) error
}

// VariantSource looks up variant rows for the audio handler.
type VariantSource interface {
	Lookup(ctx context.Context, fingerprint string) (registry.Variant, bool, error)
	ClearCacheRef(ctx context.Context, fingerprint string) error
}

// Limiter bounds per-user message rates.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Config wires a Server's collaborators.
type Config struct {
	Verifier   TokenVerifier
	Dispatcher Dispatcher
	Evictor    WindowEvictor
	Events     EventSource
	Blocks     BlockSource
	Cache      AudioCache
	Registry   VariantSource
	Limiter    Limiter

	// Catalog returns the current model catalog. It is a function so config
	// reloads swap the catalog under a running server.
	Catalog func() *config.Catalog

	// Health, when set, adds /healthz and /readyz to the handler.
	Health *health.Handler

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Server serves the gateway's HTTP and WebSocket routes.
type Server struct {
	verifier   TokenVerifier
	dispatcher Dispatcher
	evictor    WindowEvictor
	events     EventSource
	blocks     BlockSource
	cache      AudioCache
	registry   VariantSource
	limiter    Limiter
	catalog    func() *config.Catalog
	health     *health.Handler

	metrics *observe.Metrics
	logger  *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		verifier:   cfg.Verifier,
		dispatcher: cfg.Dispatcher,
		evictor:    cfg.Evictor,
		events:     cfg.Events,
		blocks:     cfg.Blocks,
		cache:      cfg.Cache,
		registry:   cfg.Registry,
		limiter:    cfg.Limiter,
		catalog:    cfg.Catalog,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Handler returns the gateway's routes wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws/tts", s.handleWS)
	mux.HandleFunc("GET /v1/audio/{fingerprint}", s.handleAudio)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// handleWS authenticates the upgrade, accepts the socket, and runs the
// session until the client goes away or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.WithTrace(r.Context(), s.logger)

	userID, err := s.verifier.Verify(r)
	if err != nil {
		log.Warn("websocket auth rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocolBearer},
		// Access control is the bearer token, not the Origin header; readers
		// connect from arbitrary web apps.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn("websocket accept failed", "user", userID, "err", err)
		return
	}

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	log.Info("session opened", "user", userID, "remote", r.RemoteAddr)

	sess := newSession(s, conn, userID)
	sess.run(r.Context())

	conn.Close(websocket.StatusNormalClosure, "")
	s.metrics.ActiveSessions.Add(context.WithoutCancel(r.Context()), -1)
	log.Info("session closed", "user", userID)
}
