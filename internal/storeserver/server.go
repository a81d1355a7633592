// Package storeserver exposes a Store over HTTP: a health probe, Prometheus
// counters, and the /v1/sync WebSocket the remote store client speaks.
package storeserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/natarajanspnk/studio-signaling/internal/auth"
	"github.com/natarajanspnk/studio-signaling/internal/metrics"
	"github.com/natarajanspnk/studio-signaling/internal/origin"
	"github.com/natarajanspnk/studio-signaling/internal/ratelimit"
	"github.com/natarajanspnk/studio-signaling/internal/store"
)

const (
	// defaultMaxMessageBytes bounds one sync message. SDPs are a few KiB;
	// anything near this limit is not signaling traffic.
	defaultMaxMessageBytes = 64 << 10

	// defaultMessagesPerSecond bounds the per-connection request rate. A
	// negotiation needs a handful of writes plus one append per ICE
	// candidate, so tens per second is already generous.
	defaultMessagesPerSecond = 64
)

// Config wires a Server.
type Config struct {
	// Store is the backing document store.
	Store store.Store

	// APIKey gates /v1/sync when non-empty.
	APIKey string

	// AllowedOrigins feeds the browser Origin policy. Empty means same-host
	// only.
	AllowedOrigins []string

	// MaxMessageBytes and MessagesPerSecond override the per-connection
	// limits; zero picks the defaults.
	MaxMessageBytes   int64
	MessagesPerSecond int64

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Clock is used by the per-connection rate limiter. Nil means the wall
	// clock.
	Clock ratelimit.Clock
}

// Server serves the sync protocol over one endpoint per connection.
type Server struct {
	cfg      Config
	verifier auth.Verifier
	upgrader websocket.Upgrader
	met      *metrics.Metrics
	log      zerolog.Logger
}

// New returns a Server. The store must outlive it.
func New(cfg Config) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	var verifier auth.Verifier = auth.NoAuth{}
	if cfg.APIKey != "" {
		verifier = auth.APIKeyVerifier{Expected: cfg.APIKey}
	}

	pol := origin.NewPolicy(cfg.AllowedOrigins)
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		met:      cfg.Metrics,
		log:      cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if pol.CheckRequest(r) {
				return true
			}
			s.met.Inc(metrics.EventOriginRejected)
			s.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("origin rejected")
			return false
		},
	}
	return s
}

// Handler returns the HTTP surface: GET /healthz, GET /metrics,
// GET /v1/sync.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(s.met))
	r.Get("/v1/sync", s.handleSync)
	return r
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set handshake headers, so the key is a query
	// parameter. Rejecting before the upgrade yields a clean HTTP status.
	cred, _ := auth.CredentialFromQuery(r.URL.Query())
	if err := s.verifier.Verify(cred); err != nil {
		s.met.Inc(metrics.EventAuthFailed)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (403 on origin rejection).
		s.met.Inc(metrics.EventConnRejected)
		return
	}
	s.met.Inc(metrics.EventConnAccepted)

	c := newConn(s, ws)
	c.serve()
}
