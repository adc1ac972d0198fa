// Package server exposes the router and its workers over HTTP. Each worker
// accepts a queue batch as JSON and answers with the partial-failure
// response.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/validator"
)

// defaultShutdownTimeout bounds the wait for in-flight requests during
// graceful shutdown.
const defaultShutdownTimeout = 10 * time.Second

// maxBatchBytes caps a request body.
const maxBatchBytes = 10 << 20

// BatchHandler processes one queue batch.
type BatchHandler interface {
	Handle(ctx context.Context, records []batch.Record) batch.Response
}

// ReceiptValidator decides the disposition of a synchronous SES receipt
// invocation.
type ReceiptValidator interface {
	Validate(ctx context.Context, event []byte) validator.Response
}

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// TLSConfig enables HTTPS. If nil, the server speaks plain HTTP.
	TLSConfig *tls.Config

	// ShutdownTimeout bounds graceful shutdown. Zero uses 10s.
	ShutdownTimeout time.Duration

	// Router handles SES receipt notifications. Required.
	Router BatchHandler

	// Forwarder, JMAP, Canary and Bouncer handle dispatch messages. A nil
	// worker is not mounted.
	Forwarder BatchHandler
	JMAP      BatchHandler
	Canary    BatchHandler
	Bouncer   BatchHandler

	// Validator answers SES RequestResponse invocations. Nil is not mounted.
	Validator ReceiptValidator
}

// Server serves the batch endpoints and metrics.
type Server struct {
	config   ServerConfig
	handler  http.Handler
	listener net.Listener
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{config: cfg}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/route", batchEndpoint("router", s.config.Router))
		if s.config.Forwarder != nil {
			r.Post("/forward", batchEndpoint("forwarder", s.config.Forwarder))
		}
		if s.config.JMAP != nil {
			r.Post("/jmap", batchEndpoint("jmap-deliverer", s.config.JMAP))
		}
		if s.config.Canary != nil {
			r.Post("/canary", batchEndpoint("canary-monitor", s.config.Canary))
		}
		if s.config.Bouncer != nil {
			r.Post("/bounce", batchEndpoint("bouncer", s.config.Bouncer))
		}
		if s.config.Validator != nil {
			r.Post("/validate", validateEndpoint(s.config.Validator))
		}
	})
	return r
}

// batchEndpoint decodes a batch event, runs h and writes its response.
func batchEndpoint(name string, h BatchHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev batch.Event
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes))
		if err := dec.Decode(&ev); err != nil {
			slog.Warn("invalid batch request",
				"endpoint", name,
				"request_id", middleware.GetReqID(r.Context()),
				"error", err,
			)
			http.Error(w, "invalid batch: "+err.Error(), http.StatusBadRequest)
			return
		}

		resp := h.Handle(r.Context(), ev.Records)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write batch response", "endpoint", name, "error", err)
		}
	}
}

// validateEndpoint passes the raw receipt event to v and writes the
// disposition.
func validateEndpoint(v ReceiptValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
		if err != nil {
			http.Error(w, "invalid event: "+err.Error(), http.StatusBadRequest)
			return
		}

		resp := v.Validate(r.Context(), event)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write validate response", "error", err)
		}
	}
}

// ListenAndServe starts the server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// the shutdown timeout for in-flight batches.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
		"forwarder_enabled", s.config.Forwarder != nil,
		"jmap_enabled", s.config.JMAP != nil,
		"canary_enabled", s.config.Canary != nil,
		"bouncer_enabled", s.config.Bouncer != nil,
		"validator_enabled", s.config.Validator != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		return srv.Close()
	}
	slog.Info("all requests completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
