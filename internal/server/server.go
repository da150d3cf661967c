// Package server exposes the avatar sessions over HTTP.
//
// Routes:
//
//	GET    /healthcheck, /healthz, /readyz   health probes
//	GET    /metrics                          Prometheus scrape endpoint
//	POST   /offer                            create and start a session
//	POST   /chat                             echo | chat | clear | stop
//	POST   /stop                             interrupt the avatar
//	GET    /sessions                         list live sessions
//	DELETE /sessions/{id}                    tear a session down
//	GET    /ws/{id}                          JSON event stream and control
//	GET    /ws/{id}/media                    paced media (see wsmedia)
//
// Browser requests are restricted to the configured origins.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/MrWong99/lipsync/internal/health"
	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/internal/session"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// Config configures a [Server].
type Config struct {
	Manager *session.Manager

	// Health serves the probe routes. Nil registers probes without checks.
	Health *health.Handler

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	// AllowedOrigins restricts cross-origin requests and WebSocket upgrades.
	// "*" allows any origin.
	AllowedOrigins []string

	// JPEGQuality is passed to the media sink. Zero keeps its default.
	JPEGQuality int

	// Voice supplies defaults for requests that omit voice fields.
	Voice tts.VoiceProfile

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server routes HTTP requests to sessions. It is safe for concurrent use.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	mux     *http.ServeMux

	mu      sync.RWMutex
	origins []string
	hosts   []string
	voice   tts.VoiceProfile
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		mux:     http.NewServeMux(),
		voice:   cfg.Voice,
	}
	s.SetAllowedOrigins(cfg.AllowedOrigins)

	cfg.Health.Register(s.mux)
	if cfg.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	s.mux.HandleFunc("POST /offer", s.handleOffer)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /ws/{id}", s.handleEvents)
	s.mux.HandleFunc("GET /ws/{id}/media", s.handleMedia)
	return s
}

// quietRoutes are logged at debug level when they succeed.
var quietRoutes = []string{"GET /healthcheck", "GET /healthz", "GET /readyz", "GET /metrics"}

// Handler returns the root handler with CORS and request telemetry applied.
func (s *Server) Handler() http.Handler {
	return s.cors(observe.Middleware(s.metrics, quietRoutes...)(s.mux))
}

// SetAllowedOrigins replaces the origin allow-list.
func (s *Server) SetAllowedOrigins(origins []string) {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	s.mu.Lock()
	s.origins = slices.Clone(origins)
	s.hosts = hosts
	s.mu.Unlock()
}

// SetVoice replaces the default voice for later requests.
func (s *Server) SetVoice(v tts.VoiceProfile) {
	s.mu.Lock()
	s.voice = v
	s.mu.Unlock()
}

func (s *Server) allowed(origin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

func (s *Server) originPatterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.hosts)
}

func (s *Server) defaultVoice() tts.VoiceProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice
}

// cors answers preflight requests and marks allowed origins. Requests from
// other origins are passed through without CORS headers, so browsers reject
// the response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if origin == "" || !s.allowed(origin) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
