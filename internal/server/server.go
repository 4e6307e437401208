// Package server exposes the read model, the wallet-backed write operations
// and the event hub over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/metrics"
	"github.com/alanyoungcy/p2pescrow/internal/server/handler"
	"github.com/alanyoungcy/p2pescrow/internal/server/middleware"
	"github.com/alanyoungcy/p2pescrow/internal/server/ws"
)

// Config holds HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // guards write endpoints and the audit log; empty disables
	RateLimit   int    // requests per minute per client; 0 disables
}

// Handlers groups the endpoint handlers. Actions and Audit are optional.
type Handlers struct {
	Health   *handler.HealthHandler
	Listings *handler.ListingHandler
	Orders   *handler.OrderHandler
	Disputes *handler.DisputeHandler
	Actions  *handler.ActionHandler
	Audit    *handler.AuditHandler
}

// Server wraps the HTTP server and its router.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger
}

// NewServer builds the router. hub and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Logging(logger))

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health.HealthCheck)

		r.Group(func(r chi.Router) {
			if cfg.RateLimit > 0 && limiter != nil {
				r.Use(middleware.RateLimit(limiter, cfg.RateLimit, time.Minute))
			}

			r.Get("/listings", h.Listings.ListListings)
			r.Get("/listings/{id}", h.Listings.GetListing)
			r.Get("/orders", h.Orders.ListOrders)
			r.Get("/orders/{id}", h.Orders.GetOrder)
			r.Get("/disputes", h.Disputes.ListDisputes)
			r.Get("/disputes/{id}", h.Disputes.GetDispute)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(cfg.APIKey))
				if h.Audit != nil {
					r.Get("/audit", h.Audit.ListAudit)
				}
				if h.Actions != nil {
					r.Post("/listings", h.Actions.CreateListing)
					r.Post("/listings/{id}/{action}", h.Actions.ListingAction)
					r.Post("/orders", h.Actions.CreateOrder)
					r.Post("/orders/{id}/{action}", h.Actions.OrderAction)
					r.Post("/disputes", h.Actions.CreateDispute)
					r.Post("/disputes/{id}/respond", h.Actions.RespondToDispute)
				}
			})
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     r,
			ReadTimeout: 15 * time.Second,
			// Write endpoints block until finality.
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router: r,
		logger: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown is called. The base context of every
// request is ctx.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
