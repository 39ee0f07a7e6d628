// Package server sets up the HTTP router, middleware, and request handlers
// for the streaming gateway (spec §6's HTTP surface).
package server

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/orchestrator"
	"github.com/howard-nolan/llmrouter/internal/sharedstore"
	"github.com/howard-nolan/llmrouter/internal/tracker"
)

// ctxKey is an unexported type so values this package stores in a request
// context never collide with keys set by another package.
type ctxKey int

const threadIDKey ctxKey = iota

// Server holds the HTTP router and every dependency the handlers need.
type Server struct {
	router  chi.Router
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	tracker *tracker.Tracker
	store   sharedstore.Store
	shedder *admission.Shedder

	// sampleRate mirrors what's been pushed to the tracker via the admin
	// config endpoint, since Tracker itself only exposes a setter — the
	// snapshot response needs to read the value back.
	sampleRateMu sync.RWMutex
	sampleRate   float64
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler. initialSampleRate seeds the value
// GET /api/v1/admin/config reports before any admin mutation.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, t *tracker.Tracker, store sharedstore.Store, shedder *admission.Shedder, initialSampleRate float64) *Server {
	s := &Server{cfg: cfg, orch: orch, tracker: t, store: store, shedder: shedder, sampleRate: initialSampleRate}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
// Middleware order follows spec §6 exactly, outermost to innermost: error
// translator → CORS → security headers → admission gate → thread-ID
// extraction. That ordering guarantees error responses still carry CORS and
// security headers, and rate-limit rejections (raised inside the handler)
// carry a thread ID; a shed request is rejected before a thread ID is
// assigned. Handlers read the resolved thread ID from the request context;
// the chi access log line does not include it.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer) // error translator: panics become 500s, never a crash
	r.Use(s.corsMiddleware())
	r.Use(s.securityHeaders)
	r.Use(s.admissionGate)
	r.Use(s.threadID)
	r.Use(middleware.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/stream", s.handleStream)
		r.Get("/health", s.handleHealth)
		r.Get("/health/ready", s.handleHealthReady)
		r.Get("/admin/execution-stats", s.handleExecutionStats)
		r.Get("/admin/execution-stats/{stageId}", s.handleExecutionStats)
		r.Get("/admin/config", s.handleGetConfig)
		r.Post("/admin/config", s.handlePostConfig)
	})

	s.router = r
}

// corsMiddleware builds the go-chi/cors handler from cfg.CORS.Origins and
// cfg.Environment (spec §6: "strict origin whitelist in production; `*`
// acceptable only when credentials are disabled", and "must expose
// X-Thread-ID to the browser").
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.CORS.Origins
	allowCredentials := s.cfg.Environment == "production"
	if len(origins) == 0 && s.cfg.Environment != "production" {
		origins = []string{"*"}
		allowCredentials = false
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Thread-ID"},
		ExposedHeaders:   []string{"X-Thread-ID"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}

// securityHeaders sets the baseline header set every response carries
// (spec §6). The CSP allows 'self' rather than 'none' because it has to
// permit the SSE connection it's protecting; style-src allows inline
// styles for downstream SSE rendering.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; connect-src 'self'; style-src 'self' 'unsafe-inline'")
		next.ServeHTTP(w, r)
	})
}

// admissionGate is the non-blocking load shedder (spec §4.2). It sits
// ahead of thread-ID extraction so a shed request never even allocates a
// thread identifier.
func (s *Server) admissionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shedder != nil && !s.shedder.Accept() {
			writeJSONError(w, http.StatusServiceUnavailable, "shedding", "server is shedding load", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// threadID resolves the correlation identifier for the request: the
// client-supplied X-Thread-ID header if present, otherwise a freshly
// generated one, always echoed back on the response (spec §6).
func (s *Server) threadID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Thread-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Thread-ID", id)
		ctx := r.Context()
		r = r.WithContext(contextWithThreadID(ctx, id))
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
