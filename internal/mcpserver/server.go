// Package mcpserver exposes the ingestion pipeline as MCP tools so an
// assistant can load a CSV and query the extracted initiatives.
package mcpserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"okrline/internal/domain"
	"okrline/internal/engine"
	"okrline/internal/tracker"
)

// Version is the MCP server version.
const Version = "0.1.0"

// ErrMissingBackend is returned when no backend is provided.
var ErrMissingBackend = errors.New("mcpserver: backend is required")

// Backend is the subset of the engine the tools call.
type Backend interface {
	Ingest(ctx context.Context, sessionID, csvText, actorID string) (domain.RunStatus, error)
	Status(ctx context.Context, sessionID string) (domain.RunStatus, error)
	Dashboard(ctx context.Context, sessionID string) (engine.Dashboard, error)
	Initiative(ctx context.Context, sessionID, initiativeID string) (domain.InitiativeView, error)
	Reclaim(ctx context.Context, sessionID, actorID string) ([]tracker.Result, error)
}

// Server is the MCP server for okrline.
type Server struct {
	backend Backend
	actor   string
	server  *mcp.Server
}

// NewServer creates a server whose tool calls are attributed to actor.
func NewServer(backend Backend, actor string) (*Server, error) {
	if backend == nil {
		return nil, ErrMissingBackend
	}
	if actor == "" {
		actor = "mcp"
	}
	s := &Server{
		backend: backend,
		actor:   actor,
		server:  mcp.NewServer(&mcp.Implementation{Name: "okrline", Version: Version}, nil),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ingest_csv",
		Description: "Upload CSV text of OKR initiatives and extract structured records; waits for the run to finish",
	}, s.handleIngest)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "session_status",
		Description: "Report the pipeline state and narration for a session",
	}, s.handleStatus)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_initiatives",
		Description: "List extracted initiatives with derived progress, optionally filtered by status",
	}, s.handleList)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_initiative",
		Description: "Fetch one initiative by its initiative_id",
	}, s.handleGet)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "reclaim_objects",
		Description: "Delete every remote object the session created and discard the current records",
	}, s.handleReclaim)
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

func statusOutput(st domain.RunStatus) StatusOutput {
	return StatusOutput{
		SessionID: st.SessionID,
		RunID:     st.RunID,
		State:     string(st.State),
		Status:    st.Status,
		Message:   st.Message,
		Detail:    st.Detail,
		Count:     st.Count,
		InFlight:  st.State.InFlight(),
	}
}

func (s *Server) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (*mcp.CallToolResult, StatusOutput, error) {
	st, err := s.backend.Ingest(ctx, in.Session, in.CSV, s.actor)
	if err != nil {
		return errorResult(err), statusOutput(st), nil
	}
	out := statusOutput(st)
	if st.State == domain.StateFailed {
		msg := st.Status
		if st.Detail != "" {
			msg += ": " + st.Detail
		}
		return errorResult(errors.New(msg)), out, nil
	}
	return nil, out, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, StatusOutput, error) {
	st, err := s.backend.Status(ctx, in.Session)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, statusOutput(st), nil
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, in ListInput) (*mcp.CallToolResult, ListOutput, error) {
	dash, err := s.backend.Dashboard(ctx, in.Session)
	if err != nil {
		return nil, ListOutput{}, err
	}
	out := ListOutput{
		State:   string(dash.Status.State),
		Items:   []InitiativeOutput{},
		Summary: map[string]int{},
	}
	for _, sc := range dash.Summary {
		out.Summary[sc.Status] = sc.Count
	}
	for _, v := range filterByStatus(dash.Items, in.Status) {
		out.Items = append(out.Items, initiativeOutput(v))
	}
	out.Count = len(out.Items)
	return nil, out, nil
}

func (s *Server) handleGet(ctx context.Context, _ *mcp.CallToolRequest, in GetInput) (*mcp.CallToolResult, InitiativeOutput, error) {
	v, err := s.backend.Initiative(ctx, in.Session, in.InitiativeID)
	if err != nil {
		return errorResult(err), InitiativeOutput{}, nil
	}
	return nil, initiativeOutput(v), nil
}

func (s *Server) handleReclaim(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, ReclaimOutput, error) {
	results, err := s.backend.Reclaim(ctx, in.Session, s.actor)
	if err != nil {
		return errorResult(err), ReclaimOutput{}, nil
	}
	out := ReclaimOutput{Failed: tracker.Failed(results)}
	for _, r := range results {
		if r.Error == "" {
			out.Deleted = append(out.Deleted, r.Name)
		}
	}
	return nil, out, nil
}
