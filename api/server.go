// Package api is the JSON surface for the picking board frontend: password
// login with cookie sessions, order listing and detail, line progress updates
// and a manual sync trigger.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Oceloteg/Shishki-picking/infrastructure/argon"
	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
	"github.com/Oceloteg/Shishki-picking/infrastructure/sqlite"
	"github.com/Oceloteg/Shishki-picking/syncer"
)

var ShutdownTimeout = 2 * time.Second

// Server bundles dependencies and route wiring.
type Server struct {
	Addr   string
	ln     net.Listener
	server *http.Server
	router *chi.Mux

	cfg *config.Config
	db  *sqlite.DB
	eng *syncer.Engine
	log *slog.Logger

	passwordHash string
}

// NewServer wires middleware and routes. The configured app password is
// hashed once here; plaintext never sticks around.
func NewServer(cfg *config.Config, db *sqlite.DB, eng *syncer.Engine, log *slog.Logger) (*Server, error) {
	hash, err := argon.CreateHash(cfg.AppPassword, argon.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hash app password: %w", err)
	}

	s := &Server{
		Addr:   cfg.Addr,
		router: chi.NewRouter(),
		cfg:    cfg,
		db:     db,
		eng:    eng,
		log:    log,

		passwordHash: hash,
		server: &http.Server{
			MaxHeaderBytes: 1 << 20,
		},
	}

	// Secure headers first.
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Compress(5))

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Post("/api/login", s.handleLogin)
	s.router.Post("/api/logout", s.handleLogout)

	s.router.Group(func(r chi.Router) {
		r.Use(s.AuthenticateMiddleware)

		r.Get("/api/config", s.handleConfig)
		r.Get("/api/me", s.handleMe)

		r.Get("/api/orders", s.handleListOrders)
		r.Get("/api/orders/{orderID}", s.handleGetOrder)
		r.Post("/api/orders/{orderID}/open", s.handleOpenOrder)
		r.Patch("/api/orders/{orderID}/lines/{lineID}", s.handlePatchLine)
		// Older frontend builds patch lines without the order id.
		r.Patch("/api/lines/{lineID}", s.handlePatchLineByID)

		r.Post("/api/sync-now", s.handleSyncNow)
		r.Get("/api/debug/db", s.handleDebugDB)
	})

	s.server.Handler = s.router
	return s, nil
}

// Start begins listening; it does not block.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "err", err)
		}
	}()
	s.log.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown drains in-flight requests within ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"due_soon_hours":  s.cfg.DueSoonHours,
		"stale_hours":     s.cfg.StaleHours,
		"status_picking":  s.cfg.StatusPicking,
		"status_picked":   s.cfg.StatusPicked,
		"status_in_work":  s.cfg.StatusInWork,
		"status_shipped":  s.cfg.StatusShipped,
		"status_finished": s.cfg.StatusFinished,
		"active_statuses": s.cfg.ActiveStatuses,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"role": "picker"})
}
