package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/forgesim/internal/auth"
	"github.com/odvcencio/forgesim/internal/database"
	"github.com/odvcencio/forgesim/internal/service"
	"github.com/odvcencio/forgesim/internal/store"
)

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so that mws[0] runs first.
func chainMiddleware(h http.Handler, mws ...middlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type ServerOptions struct {
	// Sessions signs the JWTs handed out by POST /api/v1/sessions. Nil
	// disables session exchange.
	Sessions           *auth.Service
	AllowLegacyTokens  bool
	CORSAllowedOrigins []string
	Registerer         prometheus.Registerer
	Gatherer           prometheus.Gatherer
	Logger             *slog.Logger
	Now                func() time.Time
}

type Server struct {
	st       *store.Store
	svc      *service.Services
	db       database.DB
	sessions *auth.Service
	provider auth.Provider
	metrics  *httpMetrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time
	tools    map[string]toolSpec
	mux      *http.ServeMux
	handler  http.Handler
}

// NewServer wires the tool surface over svc. db may be nil when the store is
// not persisted.
func NewServer(st *store.Store, svc *service.Services, db database.DB, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	var chain auth.Chain
	if opts.AllowLegacyTokens {
		chain = append(chain, &auth.LegacyProvider{Store: st, Now: now})
	}
	chain = append(chain, &auth.IssuedTokenProvider{Store: st, Now: now})
	if opts.Sessions != nil {
		chain = append(chain, &auth.SessionProvider{Store: st, Sessions: opts.Sessions})
	}

	s := &Server{
		st:       st,
		svc:      svc,
		db:       db,
		sessions: opts.Sessions,
		provider: chain,
		metrics:  newHTTPMetrics(opts.Registerer),
		gatherer: opts.Gatherer,
		logger:   logger,
		now:      now,
		tools:    make(map[string]toolSpec),
		mux:      http.NewServeMux(),
	}
	s.registerTools()
	s.routes()
	s.handler = chainMiddleware(s.mux,
		withRouteInfo,
		requestTracingMiddleware,
		func(next http.Handler) http.Handler { return requestMetricsMiddleware(s.metrics, next) },
		requestLoggingMiddleware(logger),
		corsMiddleware(opts.CORSAllowedOrigins),
		requestBodyLimitMiddleware,
		auth.Middleware(s.provider),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.handle("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(s.gatherer))

	s.handle("GET /api/v1/tools", s.handleListTools)
	s.handle("POST /api/v1/tools/{tool}", s.handleInvokeTool)
	s.handle("POST /api/v1/sessions", s.requireAuth(s.handleCreateSession))
	s.handle("GET /api/v1/languages", s.handleListLanguages)
	s.handle("GET /api/v1/admin/health", s.requireAuth(s.handleAdminHealth))
}

func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		noteRoute(r)
		fn(w, r)
	})
}

func (s *Server) requireAuth(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.GetPrincipal(r.Context()) == nil {
			jsonError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		fn(w, r)
	}
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
}

// handleCreateSession exchanges any accepted bearer for a short-lived JWT.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		jsonError(w, "session tokens are not enabled", http.StatusNotFound)
		return
	}
	p := auth.GetPrincipal(r.Context())
	token, err := s.sessions.GenerateToken(p.UserID, p.Username)
	if err != nil {
		s.logger.Error("generate session token", "user_id", p.UserID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeResult(w, http.StatusCreated, sessionResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(s.sessions.Duration()),
		UserID:    p.UserID,
		Username:  p.Username,
	})
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, service.SupportedLanguages())
}
