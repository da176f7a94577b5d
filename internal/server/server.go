// Package server provides the HTTP server and routing for Moneta.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/config"
	"github.com/monetahq/moneta/internal/database"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/market"
	"github.com/monetahq/moneta/internal/metrics"
	ordershandlers "github.com/monetahq/moneta/internal/modules/orders/handlers"
	portfoliohandlers "github.com/monetahq/moneta/internal/modules/portfolio/handlers"
	strategieshandlers "github.com/monetahq/moneta/internal/modules/strategies/handlers"
	"github.com/monetahq/moneta/internal/modules/stream"
	streamhandlers "github.com/monetahq/moneta/internal/modules/stream/handlers"
	"github.com/monetahq/moneta/internal/reliability"
	"github.com/monetahq/moneta/internal/scheduler"
)

// Config holds everything the HTTP layer serves. All handlers and
// services are constructed by the DI container; the server owns only
// routing, middleware, and process-level health reporting.
type Config struct {
	Log    zerolog.Logger
	Config *config.Config

	// Databases keyed by logical name (moneta, operational, cache) for
	// health pings.
	Databases map[string]*database.DB

	Mirror   *metrics.Mirror
	Breakers *reliability.BreakerRegistry
	Hub      *stream.Hub
	Runner   *scheduler.Runner
	Tasks    *scheduler.TaskStore
	Clock    *market.Clock

	OrderHandlers     *ordershandlers.OrderHandlers
	PortfolioHandlers *portfoliohandlers.PortfolioHandlers
	StrategyHandlers  *strategieshandlers.StrategyHandlers
	StreamHandlers    *streamhandlers.StreamHandlers
	WebhookHandlers   *WebhookHandlers

	// RequestObserver receives per-request timing for alert-rule
	// evaluation windows. May be nil in tests.
	RequestObserver RequestObserver
}

// RequestObserver ingests request outcomes for rate/latency windows.
// Satisfied by metrics.Collector.
type RequestObserver interface {
	RecordRequest(route string, status int, duration time.Duration)
}

// Server is the HTTP front of the backend.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config

	health *HealthHandlers
	tasks  *TaskHandlers
}

// New creates the HTTP server. Routes follow the public API surface:
// health and operational endpoints at the root, module routes mounted
// by each module's RegisterRoutes, the websocket stream outside the
// request-timeout group.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
		health: NewHealthHandlers(cfg.Databases, cfg.Breakers, cfg.Hub, cfg.Runner, cfg.Clock, cfg.Config.DataDir, cfg.Log),
		tasks:  NewTaskHandlers(cfg.Tasks, cfg.Log),
	}

	s.setupMiddleware()
	s.setupRoutes()

	// Websocket upgrades survive these: gorilla clears the connection
	// deadlines when it hijacks.
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the configured mux so tests can serve it directly.
func (s *Server) Router() chi.Router {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging + metrics
	s.router.Use(s.requestLogger)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !s.cfg.Config.DevMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe stays trivial: no dependencies touched.
	s.router.Get("/health", s.handleLiveness)

	// Short-lived request routes share a timeout. The websocket route is
	// registered outside this group because sessions are long-lived and
	// a request timeout would tear them down mid-stream.
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health/detailed", s.health.HandleDetailed)
		r.Method(http.MethodGet, "/metrics", s.cfg.Mirror.Handler())
		r.Get("/tasks/{id}", s.tasks.HandleGetTask)

		if s.cfg.WebhookHandlers != nil {
			r.Post("/webhooks/{custodian}", s.cfg.WebhookHandlers.HandleWebhook)
		}

		if s.cfg.OrderHandlers != nil {
			s.cfg.OrderHandlers.RegisterRoutes(r)
		}
		if s.cfg.PortfolioHandlers != nil {
			s.cfg.PortfolioHandlers.RegisterRoutes(r)
		}
		if s.cfg.StrategyHandlers != nil {
			s.cfg.StrategyHandlers.RegisterRoutes(r)
		}
	})

	if s.cfg.StreamHandlers != nil {
		s.cfg.StreamHandlers.RegisterRoutes(s.router)
	}

	// Unknown paths and methods get the standard error envelope instead
	// of chi's plain-text defaults.
	s.router.NotFound(httpx.NotFoundHandler())
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusMethodNotAllowed, httpx.ErrorBody{Error: httpx.ErrorDetail{
			Code:      domain.CodeInvalidRequest,
			Message:   "method not allowed",
			Category:  string(domain.CategoryValidation),
			Severity:  string(domain.SeverityLow),
			RequestID: middleware.GetReqID(r.Context()),
		}})
	})
}

// handleLiveness reports process liveness only; dependency health lives
// under /health/detailed.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Config.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// requestLogger logs HTTP requests and feeds the request metrics.
// The request id is echoed back so clients can quote it in bug reports.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			ww.Header().Set("X-Request-ID", reqID)
		}

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := routePattern(r)

		if s.cfg.Mirror != nil {
			s.cfg.Mirror.ObserveRequest(route, ww.Status(), duration)
		}
		if s.cfg.RequestObserver != nil {
			s.cfg.RequestObserver.RecordRequest(route, ww.Status(), duration)
		}

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// routePattern returns the chi route pattern ("/orders/{id}") so metric
// labels stay low-cardinality; raw paths would mint a label per order id.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
