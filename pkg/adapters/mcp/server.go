// Package mcp exposes the engine as a Model Context Protocol server so agents
// can submit workflows, follow them and read the artifacts they produce.
package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aretw0/orchestra/internal/logging"
	"github.com/aretw0/orchestra/internal/presentation/graph"
	"github.com/aretw0/orchestra/pkg/adapters/file"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
	"github.com/aretw0/orchestra/pkg/ports"
)

const (
	artifactURIPrefix = "orchestra://artifacts/"
	workflowURIPrefix = "orchestra://workflows/"
)

// Engine is the part of the execution engine the MCP tools drive.
type Engine interface {
	Submit(ctx context.Context, wf *domain.Workflow) (domain.WorkflowID, domain.WorkflowStatus, error)
	Start(ctx context.Context, id domain.WorkflowID) error
	Cancel(ctx context.Context, id domain.WorkflowID) error
	Forget(ctx context.Context, id domain.WorkflowID) error
	Report(id domain.WorkflowID) (*engine.Report, error)
	Definition(id domain.WorkflowID) (*domain.Workflow, error)
}

// Artifacts is read-only access to produced artifacts.
type Artifacts interface {
	Retrieve(ctx context.Context, id domain.ArtifactID) ([]byte, error)
	Stat(id domain.ArtifactID) (domain.Artifact, error)
	Search(query string) []domain.ArtifactID
}

// Server wraps the engine and exposes it as an MCP server.
type Server struct {
	engine    Engine
	artifacts Artifacts
	loader    ports.WorkflowLoader
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLoader lets submit_workflow resolve definitions by ref.
func WithLoader(l ports.WorkflowLoader) Option {
	return func(s *Server) { s.loader = l }
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new MCP server instance.
func NewServer(eng Engine, artifacts Artifacts, version string, opts ...Option) *Server {
	s := &Server{
		engine:    eng,
		artifacts: artifacts,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("orchestra-mcp", strings.TrimSpace(version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves over SSE on addr until ctx ends, then shuts down gracefully.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

// SubmitArgs are the arguments of submit_workflow.
type SubmitArgs struct {
	Definition string `json:"definition,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Start      *bool  `json:"start,omitempty"`
}

// SubmitResult is returned by submit_workflow.
type SubmitResult struct {
	ID     domain.WorkflowID     `json:"id" jsonschema_description:"The new workflow instance ID"`
	Status domain.WorkflowStatus `json:"status" jsonschema_description:"Status at submission (pending)"`
}

// IDArgs names one workflow.
type IDArgs struct {
	ID string `json:"id"`
}

// ForgetResult is returned by forget_workflow.
type ForgetResult struct {
	ID        domain.WorkflowID `json:"id"`
	Forgotten bool              `json:"forgotten"`
}

// SearchArgs are the arguments of search_artifacts.
type SearchArgs struct {
	Query string `json:"query"`
}

// SearchResult lists matching artifacts.
type SearchResult struct {
	Artifacts []domain.Artifact `json:"artifacts"`
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("submit_workflow",
		mcp.WithDescription("Submit a workflow for execution. Pass either an inline YAML/JSON definition or the ref of a stored definition."),
		mcp.WithString("definition", mcp.Description("Workflow definition as YAML or JSON")),
		mcp.WithString("ref", mcp.Description("Name of a stored workflow definition")),
		mcp.WithBoolean("start", mcp.Description("Start the workflow immediately (default true)")),
		mcp.WithOutputSchema[SubmitResult](),
	), mcp.NewStructuredToolHandler(s.handleSubmit))

	s.mcpServer.AddTool(mcp.NewTool("workflow_status",
		mcp.WithDescription("Report the status of a workflow and each of its nodes."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow instance ID")),
		mcp.WithOutputSchema[engine.Report](),
	), mcp.NewStructuredToolHandler(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("cancel_workflow",
		mcp.WithDescription("Cancel a workflow. In-flight nodes are cancelled and held resources released."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow instance ID")),
		mcp.WithOutputSchema[SubmitResult](),
	), mcp.NewStructuredToolHandler(s.handleCancel))

	s.mcpServer.AddTool(mcp.NewTool("forget_workflow",
		mcp.WithDescription("Purge a finished workflow. Its artifacts lose this workflow's references and can be reclaimed once nothing else uses them."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow instance ID")),
		mcp.WithOutputSchema[ForgetResult](),
	), mcp.NewStructuredToolHandler(s.handleForget))

	s.mcpServer.AddTool(mcp.NewTool("search_artifacts",
		mcp.WithDescription("Find artifacts whose metadata matches every term of the query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
		mcp.WithOutputSchema[SearchResult](),
	), mcp.NewStructuredToolHandler(s.handleSearch))

	if s.loader != nil {
		s.mcpServer.AddTool(mcp.NewTool("list_definitions",
			mcp.WithDescription("List the refs of stored workflow definitions."),
		), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			refs, err := s.loader.List(ctx)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
			}
			return mcp.NewToolResultText(strings.Join(refs, "\n")), nil
		})
	}
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest, args SubmitArgs) (SubmitResult, error) {
	wf, err := s.definition(ctx, args)
	if err != nil {
		return SubmitResult{}, err
	}
	id, status, err := s.engine.Submit(ctx, wf)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit rejected: %w", err)
	}
	if args.Start == nil || *args.Start {
		if err := s.engine.Start(ctx, id); err != nil {
			return SubmitResult{}, fmt.Errorf("start failed: %w", err)
		}
	}
	s.logger.Info("Workflow submitted over MCP", "workflow_id", id)
	return SubmitResult{ID: id, Status: status}, nil
}

func (s *Server) definition(ctx context.Context, args SubmitArgs) (*domain.Workflow, error) {
	switch {
	case args.Definition != "":
		trimmed := strings.TrimSpace(args.Definition)
		wf, err := file.ParseWorkflow([]byte(trimmed), strings.HasPrefix(trimmed, "{"))
		if err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		return wf, nil
	case args.Ref != "" && s.loader != nil:
		return s.loader.Load(ctx, args.Ref)
	case args.Ref != "":
		return nil, fmt.Errorf("no definition store configured for ref %q", args.Ref)
	}
	return nil, errors.New("either definition or ref is required")
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest, args IDArgs) (engine.Report, error) {
	rep, err := s.engine.Report(domain.WorkflowID(args.ID))
	if err != nil {
		return engine.Report{}, err
	}
	return *rep, nil
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest, args IDArgs) (SubmitResult, error) {
	id := domain.WorkflowID(args.ID)
	if err := s.engine.Cancel(ctx, id); err != nil {
		return SubmitResult{}, err
	}
	rep, err := s.engine.Report(id)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{ID: id, Status: rep.Status}, nil
}

func (s *Server) handleForget(ctx context.Context, request mcp.CallToolRequest, args IDArgs) (ForgetResult, error) {
	id := domain.WorkflowID(args.ID)
	if err := s.engine.Forget(ctx, id); err != nil {
		return ForgetResult{}, err
	}
	s.logger.Info("Workflow forgotten over MCP", "workflow_id", id)
	return ForgetResult{ID: id, Forgotten: true}, nil
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest, args SearchArgs) (SearchResult, error) {
	out := SearchResult{Artifacts: []domain.Artifact{}}
	for _, id := range s.artifacts.Search(args.Query) {
		if a, err := s.artifacts.Stat(id); err == nil {
			out.Artifacts = append(out.Artifacts, a)
		}
	}
	return out, nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(artifactURIPrefix+"{id}", "Artifact",
		mcp.WithTemplateDescription("Payload of a produced artifact"),
	), s.readArtifact)

	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(workflowURIPrefix+"{id}/graph", "Workflow Graph",
		mcp.WithTemplateDescription("Mermaid flowchart of a workflow with node states"),
		mcp.WithTemplateMIMEType("text/vnd.mermaid"),
	), s.readGraph)
}

func (s *Server) readArtifact(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	id := domain.ArtifactID(strings.TrimPrefix(uri, artifactURIPrefix))
	meta, err := s.artifacts.Stat(id)
	if err != nil {
		return nil, err
	}
	data, err := s.artifacts.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	mimeType := meta.ContentType
	if isText(mimeType) {
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: uri, MIMEType: mimeType, Text: string(data)}}, nil
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return []mcp.ResourceContents{mcp.BlobResourceContents{
		URI:      uri,
		MIMEType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

func isText(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.HasSuffix(contentType, "json") ||
		strings.HasSuffix(contentType, "yaml")
}

func (s *Server) readGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	id := domain.WorkflowID(strings.TrimSuffix(strings.TrimPrefix(uri, workflowURIPrefix), "/graph"))
	wf, err := s.engine.Definition(id)
	if err != nil {
		return nil, err
	}
	overlay := &graph.Overlay{}
	if rep, err := s.engine.Report(id); err == nil {
		overlay.Status = rep.Statuses()
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "text/vnd.mermaid",
		Text:     graph.GenerateMermaid(wf, overlay),
	}}, nil
}
