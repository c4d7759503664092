// Package api exposes the engine over HTTP: chat management, synchronous
// asks, and SSE streaming of turn events.
package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/log"
)

// Config contains everything the API server needs.
type Config struct {
	Logger log.Logger
	Engine TurnStarter
	Store  ChatStore

	// Pool backs the readiness probe; nil reports not ready.
	Pool *pgxpool.Pool

	CORSOrigins []string
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("chat store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	ch := &chatHandler{
		engine: cfg.Engine,
		store:  cfg.Store,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chats", ch.createChat)
	mux.HandleFunc("GET /api/chats", ch.listChats)
	mux.HandleFunc("GET /api/chats/{id}", ch.getChat)
	mux.HandleFunc("POST /api/chats/{id}/messages", ch.ask)
	mux.HandleFunc("POST /api/chats/{id}/messages/stream", ch.stream)

	// Middleware stack, outermost first: Recovery → Logging → CORS → routes.
	var handler http.Handler = mux
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(cfg.Logger)(handler)
	handler = recoveryMiddleware(cfg.Logger)(handler)

	// Health probes bypass the middleware stack.
	hh := &healthHandler{pool: cfg.Pool, logger: cfg.Logger}
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", hh.liveness)
	topMux.HandleFunc("GET /ready", hh.readiness)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
