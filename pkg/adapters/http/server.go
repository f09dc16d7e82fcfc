// Package http exposes the engine over a JSON API: workflow submission,
// control and purge, reports, Mermaid graphs, artifact retrieval, an SSE event stream
// and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/internal/presentation/graph"
	"github.com/aretw0/orchestra/pkg/adapters/file"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
)

// MaxBodyBytes bounds a submitted workflow definition.
const MaxBodyBytes = 4 << 20

// Engine is the part of the execution engine the API drives.
type Engine interface {
	Submit(ctx context.Context, wf *domain.Workflow) (domain.WorkflowID, domain.WorkflowStatus, error)
	Start(ctx context.Context, id domain.WorkflowID) error
	Cancel(ctx context.Context, id domain.WorkflowID) error
	Pause(ctx context.Context, id domain.WorkflowID) error
	Resume(ctx context.Context, id domain.WorkflowID) error
	Forget(ctx context.Context, id domain.WorkflowID) error
	Report(id domain.WorkflowID) (*engine.Report, error)
	Workflows() []domain.WorkflowID
	Definition(id domain.WorkflowID) (*domain.Workflow, error)
}

// Artifacts is read-only access to produced artifacts.
type Artifacts interface {
	Retrieve(ctx context.Context, id domain.ArtifactID) ([]byte, error)
	Stat(id domain.ArtifactID) (domain.Artifact, error)
	Search(query string) []domain.ArtifactID
	List() []domain.Artifact
}

// Server serves the API.
type Server struct {
	Engine    Engine
	Artifacts Artifacts
	Streams   *StreamManager

	version string
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithStreams shares a StreamManager already installed as engine hooks.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) { s.Streams = sm }
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a Server. Without WithStreams the event stream stays
// silent until Streams.Hooks() is installed on the engine.
func NewServer(eng Engine, artifacts Artifacts, opts ...Option) *Server {
	s := &Server{
		Engine:    eng,
		Artifacts: artifacts,
		version:   "dev",
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager(s.logger)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.ListWorkflows)
		r.Post("/", s.SubmitWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetReport)
			r.Delete("/", s.ForgetWorkflow)
			r.Get("/graph", s.GetGraph)
			r.Post("/start", s.control(s.Engine.Start))
			r.Post("/cancel", s.control(s.Engine.Cancel))
			r.Post("/pause", s.control(s.Engine.Pause))
			r.Post("/resume", s.control(s.Engine.Resume))
		})
	})

	r.Route("/artifacts", func(r chi.Router) {
		r.Get("/", s.SearchArtifacts)
		r.Get("/{id}", s.GetArtifact)
		r.Get("/{id}/content", s.GetArtifactContent)
	})

	r.Get("/events", s.SubscribeEvents)
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SubmitResponse is returned by POST /workflows.
type SubmitResponse struct {
	ID     domain.WorkflowID     `json:"id"`
	Status domain.WorkflowStatus `json:"status"`
}

// SubmitWorkflow handles POST /workflows. The body is a JSON or YAML
// definition, chosen by Content-Type. The workflow is started unless
// ?start=false is given; the response always carries the submission status.
func (s *Server) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if len(data) > MaxBodyBytes {
		s.fail(w, http.StatusRequestEntityTooLarge, "definition too large", nil)
		return
	}

	wf, err := file.ParseWorkflow(data, !isYAML(r.Header.Get("Content-Type")))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid workflow definition", err)
		return
	}

	id, status, err := s.Engine.Submit(r.Context(), wf)
	if err != nil {
		s.fail(w, statusFor(err), "submit rejected", err)
		return
	}
	if r.URL.Query().Get("start") != "false" {
		if err := s.Engine.Start(r.Context(), id); err != nil {
			s.fail(w, statusFor(err), "start failed", err)
			return
		}
	}
	s.logger.Info("Workflow submitted over HTTP", "workflow_id", id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: status})
}

func isYAML(contentType string) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	return strings.Contains(mt, "yaml")
}

// ListWorkflows handles GET /workflows.
func (s *Server) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	ids := s.Engine.Workflows()
	out := make([]SubmitResponse, 0, len(ids))
	for _, id := range ids {
		rep, err := s.Engine.Report(id)
		if err != nil {
			continue
		}
		out = append(out, SubmitResponse{ID: id, Status: rep.Status})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetReport handles GET /workflows/{id}.
func (s *Server) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Engine.Report(domain.WorkflowID(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, statusFor(err), "report failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetGraph handles GET /workflows/{id}/graph and returns Mermaid text
// painted with current node states.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	id := domain.WorkflowID(chi.URLParam(r, "id"))
	wf, err := s.Engine.Definition(id)
	if err != nil {
		s.fail(w, statusFor(err), "definition failed", err)
		return
	}
	overlay := &graph.Overlay{}
	if rep, err := s.Engine.Report(id); err == nil {
		overlay.Status = rep.Statuses()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, graph.GenerateMermaid(wf, overlay))
}

// ForgetWorkflow handles DELETE /workflows/{id}. Only finished workflows can be
// forgotten; their artifacts lose this workflow's references.
func (s *Server) ForgetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := domain.WorkflowID(chi.URLParam(r, "id"))
	if err := s.Engine.Forget(r.Context(), id); err != nil {
		s.fail(w, statusFor(err), "forget failed", err)
		return
	}
	s.logger.Info("Workflow forgotten over HTTP", "workflow_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) control(op func(context.Context, domain.WorkflowID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := domain.WorkflowID(chi.URLParam(r, "id"))
		if err := op(r.Context(), id); err != nil {
			s.fail(w, statusFor(err), "operation failed", err)
			return
		}
		rep, err := s.Engine.Report(id)
		if err != nil {
			s.fail(w, statusFor(err), "report failed", err)
			return
		}
		writeJSON(w, http.StatusOK, SubmitResponse{ID: id, Status: rep.Status})
	}
}

// SearchArtifacts handles GET /artifacts?q=term. Without q every artifact is listed.
func (s *Server) SearchArtifacts(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, s.Artifacts.List())
		return
	}
	ids := s.Artifacts.Search(q)
	out := make([]domain.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, err := s.Artifacts.Stat(id); err == nil {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetArtifact handles GET /artifacts/{id}.
func (s *Server) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.Artifacts.Stat(domain.ArtifactID(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, statusFor(err), "stat failed", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetArtifactContent handles GET /artifacts/{id}/content.
func (s *Server) GetArtifactContent(w http.ResponseWriter, r *http.Request) {
	id := domain.ArtifactID(chi.URLParam(r, "id"))
	a, err := s.Artifacts.Stat(id)
	if err != nil {
		s.fail(w, statusFor(err), "stat failed", err)
		return
	}
	data, err := s.Artifacts.Retrieve(r.Context(), id)
	if err != nil {
		s.fail(w, statusFor(err), "retrieve failed", err)
		return
	}
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	_, _ = w.Write(data)
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     "orchestra-http",
		"version": strings.TrimSpace(s.version),
	})
}

// SubscribeEvents handles GET /events (SSE). ?workflow=<id> narrows the
// stream to one workflow.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id := domain.WorkflowID(r.URL.Query().Get("workflow"))
	ch, cancel := s.Streams.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Debug("SSE client subscribed", "workflow_id", id)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "workflow_id", id)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			typ, payload, _ := strings.Cut(msg, "\n")
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, payload)
			flusher.Flush()
		}
	}
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ge *domain.GraphError
	switch {
	case errors.As(err, &ge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrWorkflowNotFound), errors.Is(err, domain.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCheckpointNotFound):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string, err error) {
	body := ErrorResponse{Error: msg}
	if err != nil {
		body.Error = msg + ": " + err.Error()
		body.Kind = domain.KindOf(err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "err", err)
	} else {
		s.logger.Debug(msg, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
