// Package server exposes the hub over HTTP: a WebSocket endpoint for
// streaming subscribers and a small REST surface for one-shot queries
// and session control.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sessionhub/sessionhub/internal/arbiter"
	"github.com/sessionhub/sessionhub/internal/archive"
	"github.com/sessionhub/sessionhub/internal/hub"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// Agent is the slice of the process client the server queries directly
// for model and session operations.
type Agent interface {
	Request(ctx context.Context, cmd types.Command) (*types.Response, error)
	SwitchSession(ctx context.Context, sessionPath string) error
}

// Rotator archives the session log and rotates to a fresh session.
type Rotator interface {
	ArchiveAndStartNew(ctx context.Context) archive.RotateResult
	Info() types.SessionInfo
}

// Ownership is the arbiter surface used by takeover requests.
type Ownership interface {
	Status() arbiter.Status
	KillTUI() arbiter.KillResult
}

// Config holds server configuration.
type Config struct {
	Listen       string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8199",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout for long-lived sockets
	}
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server

	hub     *hub.Hub
	agent   Agent
	rotator Rotator
	arb     Ownership
}

// New creates a new Server instance.
func New(cfg *Config, h *hub.Hub, agent Agent, rotator Rotator, arb Ownership) *Server {
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		hub:     h,
		agent:   agent,
		rotator: rotator,
		arb:     arb,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/ws", s.handleWebSocket)

	r.Get("/state", s.getState)
	r.Get("/history", s.getHistory)
	r.Post("/prompt", s.postPrompt)
	r.Post("/abort", s.postAbort)

	r.Route("/session", func(r chi.Router) {
		r.Get("/info", s.getSessionInfo)
		r.Post("/rotate", s.rotateSession)
		r.Post("/takeover", s.takeoverSession)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
