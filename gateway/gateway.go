// Package gateway exposes the thin ingestion endpoint plus the operational
// HTTP surfaces (/healthz, /metrics). Capture clients POST a URL; the gateway
// normalizes it, derives the subject, makes subject and link rows durable, and
// appends link.added for the outbox to forward. Authentication is layered on
// by the deployment, not here.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/health"
	"github.com/c360/lifestream/identity"
	"github.com/c360/lifestream/metric"
	"github.com/c360/lifestream/store"
)

// ingestRequest is the capture client payload.
type ingestRequest struct {
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

// ingestResponse acknowledges the capture.
type ingestResponse struct {
	Success   bool   `json:"success"`
	SubjectID string `json:"subject_id,omitempty"`
	URLNorm   string `json:"url_norm,omitempty"`
	Error     string `json:"error,omitempty"`
}

// txRunner is the slice of the store the gateway writes through.
type txRunner interface {
	WithTx(ctx context.Context, fn func(q *store.Queries) error) error
}

// Server is the ingestion HTTP server.
type Server struct {
	store   txRunner
	addr    string
	metrics *metric.Registry
	monitor *health.Monitor
	logger  *slog.Logger

	lifecycleMu sync.Mutex
	httpServer  *http.Server
}

// NewServer builds the gateway.
func NewServer(s txRunner, addr string, m *metric.Registry, monitor *health.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   s,
		addr:    addr,
		metrics: m,
		monitor: monitor,
		logger:  logger.With("component", "gateway"),
	}
}

// Routes builds the router. Exposed separately so tests can drive the handler
// without binding a port.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/links", s.handleIngestLink)
	if s.monitor != nil {
		r.Method(http.MethodGet, "/healthz", s.monitor.Handler())
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Initialize prepares the server (no-op; resources are injected).
func (s *Server) Initialize() error {
	return nil
}

// Start begins serving in the background. Bind failures surface in the log.
func (s *Server) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.httpServer != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", s.addr)
	return nil
}

// Stop shuts the server down gracefully within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	srv := s.httpServer
	s.httpServer = nil

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleIngestLink(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.countIngest("bad_request")
		writeJSON(w, http.StatusBadRequest, ingestResponse{Error: "url is required"})
		return
	}

	source := req.Source
	if source == "" {
		source = "http"
	}

	urlNorm := identity.NormalizeURL(req.URL)
	subjectID := identity.SubjectIDForURL(req.URL)

	e, err := event.New(source, identity.KindLink, subjectID, event.TypeLinkAdded, event.LinkAdded{
		URL:     req.URL,
		URLNorm: urlNorm,
	})
	if err != nil {
		s.countIngest("error")
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Error: "internal error"})
		return
	}

	err = s.store.WithTx(r.Context(), func(q *store.Queries) error {
		if err := q.UpsertSubject(r.Context(), identity.KindLink, subjectID); err != nil {
			return err
		}
		if err := q.InsertLink(r.Context(), subjectID, req.URL, urlNorm, source); err != nil {
			return err
		}
		return q.AppendEvent(r.Context(), e)
	})
	if err != nil {
		s.logger.Error("ingest failed", "subject_id", subjectID, "error", err)
		s.countIngest("error")
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{Error: "storage unavailable"})
		return
	}

	s.countIngest("ok")
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(event.TypeLinkAdded)).Inc()
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Success:   true,
		SubjectID: subjectID,
		URLNorm:   urlNorm,
	})
}

func (s *Server) countIngest(status string) {
	if s.metrics != nil {
		s.metrics.IngestRequests.WithLabelValues(status).Inc()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
