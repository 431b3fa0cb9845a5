// Package server exposes the parse-session and price-version workflows over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"priceflow/internal/ingest"
	"priceflow/internal/session"
	"priceflow/internal/storage"
)

// MaxUploadSize caps multipart uploads at 32 MB.
const MaxUploadSize = 32 << 20

type Server struct {
	sessions *session.Manager
	engine   *ingest.Engine
	db       *storage.DB
	router   *chi.Mux
	server   *http.Server
}

func NewServer(sessions *session.Manager, engine *ingest.Engine, db *storage.DB) *Server {
	s := &Server{
		sessions: sessions,
		engine:   engine,
		db:       db,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(120 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/parser", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Get("/stats", s.handleStats)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/confirm", s.handleConfirm)
				r.Post("/parse", s.handleParse)
				r.Delete("/", s.handleDestroySession)
			})
		})

		r.Post("/projects/{projectID}/prices/ingest", s.handleIngest)

		r.Route("/prices/versions/{versionID}", func(r chi.Router) {
			r.Get("/", s.handleGetVersion)
			r.Get("/history", s.handleVersionHistory)
			r.Post("/review", s.handleReview)
			r.Post("/retry", s.handleRetry)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("listening on %s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func writeError(w http.ResponseWriter, status int, message string) {
	log.Printf("HTTP %d: %s", status, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
