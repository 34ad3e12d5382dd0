package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/campusfeed/internal/auth"
	"github.com/blackmichael/campusfeed/internal/config"
	"github.com/blackmichael/campusfeed/internal/domain"
)

// Server is the HTTP server that serves the live feed endpoint and the
// login lookup.
type Server struct {
	cfg        *config.Config
	store      domain.Store
	auth       *auth.Authenticator
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server

	// baseCtx outlives requests so hijacked live connections can be
	// closed on shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a new HTTP server backed by store.
func NewServer(cfg *config.Config, store domain.Store, authenticator *auth.Authenticator, logger *slog.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		store:  store,
		auth:   authenticator,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/users/lookup", s.handleLookup)
	mux.HandleFunc("GET /v1/live", s.handleLive)
	return withLogging(s.logger, mux)
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr, "auth", s.auth.Enabled())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and closes live
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLookup resolves a username to the account email for the login
// form.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "username parameter is required")
		return
	}

	email, err := s.store.FindEmailByUsername(r.Context(), username)
	if err != nil {
		switch domain.CodeOf(err) {
		case domain.CodeValidation:
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		case domain.CodeNotFound:
			writeError(w, http.StatusNotFound, "NotFound", "username not found")
		default:
			s.logger.Error("failed to look up username", "username", username, "error", err)
			writeError(w, http.StatusInternalServerError, "InternalError", "failed to look up username")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
