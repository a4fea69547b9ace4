package server

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vhqtvn/krakatau-wasm/internal/config"
	"github.com/vhqtvn/krakatau-wasm/internal/wasm"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the engine over HTTP
type Server interface {
	// Start serves until ctx is cancelled, then shuts down gracefully.
	Start(ctx context.Context) error

	// Handler returns the routed handler without listening.
	Handler() http.Handler
}

// server is the internal implementation of Server
type server struct {
	engine wasm.Engine
	config *config.Config
	logger zerolog.Logger

	handler http.Handler
	server  *http.Server
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// New creates a server. cfg must already have defaults applied.
func New(engine wasm.Engine, cfg *config.Config, logger zerolog.Logger) Server {
	s := &server{
		engine: engine,
		config: cfg,
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.handler = s.routes()
	return s
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(s.recoverer)

	r.Group(func(api chi.Router) {
		api.Use(s.authenticate)
		api.Post(s.config.DecompileEndpoint, s.handleDecompile)
		api.Post(s.config.AssembleEndpoint, s.handleAssemble)
	})

	notFound := func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, statusFor(ErrRouteNotFound), "Not found")
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func (s *server) Handler() http.Handler {
	return s.handler
}

// Start starts the server on the configured address
func (s *server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", s.server.Addr).
			Str("decompile", s.config.DecompileEndpoint).
			Str("assemble", s.config.AssembleEndpoint).
			Bool("basic_auth", s.config.Auth.BasicEnabled()).
			Bool("token_auth", s.config.Auth.TokenEnabled()).
			Msg("listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("shutting down")
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// sendError sends an error response
func (s *server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, &ErrorResponse{Error: message})
}

// sendFailure reports err with the status statusFor assigns. Client errors carry their own
// message; server errors are summarized as title with the cause in message.
func (s *server) sendFailure(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		s.sendError(w, status, err.Error())
		return
	}

	s.logger.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg(title)
	s.sendJSON(w, status, &ErrorResponse{Error: title, Message: err.Error()})
}

func (s *server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// recoverer turns a handler panic into a logged 500 with a JSON body.
func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			s.logger.Error().
				Interface("panic", rvr).
				Bytes("stack", debug.Stack()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("path", r.URL.Path).
				Msg("handler panicked")
			s.sendJSON(w, http.StatusInternalServerError, &ErrorResponse{Error: "Internal server error"})
		}()

		next.ServeHTTP(w, r)
	})
}

// accessLog writes one structured line per request.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
