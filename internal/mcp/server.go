package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/db"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/pipeline"
	"github.com/oscillatelabsllc/skyth/internal/router"
)

// Router picks the pipeline for a query
type Router interface {
	Route(ctx context.Context, in router.Input) (*router.Decision, error)
}

// Executor runs a pipeline
type Executor interface {
	Execute(ctx context.Context, id models.PipelineID, req *pipeline.Request, emit pipeline.Emitter) (*models.PipelineResult, error)
}

// Users resolves the account the tools act as
type Users interface {
	EnsureUser(ctx context.Context, username string) (*models.User, error)
}

// Deps wires the MCP server
type Deps struct {
	Store     *db.Store
	Router    Router
	Pipelines Executor
	Memory    *memory.Builder
	Users     Users
	Username  string
	Log       zerolog.Logger
}

// Server implements the MCP server for Skyth
type Server struct {
	store     *db.Store
	router    Router
	pipelines Executor
	memory    *memory.Builder
	users     Users
	username  string
	log       zerolog.Logger
	mcpServer *server.MCPServer

	mu   sync.Mutex
	user *models.User
}

// NewServer creates a new MCP server
func NewServer(deps Deps) *Server {
	s := &Server{
		store:     deps.Store,
		router:    deps.Router,
		pipelines: deps.Pipelines,
		memory:    deps.Memory,
		users:     deps.Users,
		username:  deps.Username,
		log:       deps.Log.With().Str("component", "mcp").Logger(),
	}

	s.mcpServer = server.NewMCPServer(
		"Skyth",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "route_query",
		Description: "Route a query to the best content pipeline (chat, research, deep_research, visualize, image_generate, image_edit, code, stock, tts, transcribe) and run it. Set execute to false to only see the routing decision.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The user's query",
				},
				"chat_id": map[string]interface{}{
					"type":        "integer",
					"description": "Chat to continue. The turn is saved to it. Omit to run without saving.",
				},
				"persona": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"default", "academic", "coding", "unhinged"},
					"description": "Assistant persona",
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Set to deep_research to force a long-form report",
				},
				"execute": map[string]interface{}{
					"type":        "boolean",
					"description": "Run the chosen pipeline (default: true)",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleRouteQuery)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_core_memory",
		Description: "List durable facts about the user (human segment) and the assistant persona (persona segment)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"segment": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"human", "persona"},
					"description": "Limit to one segment. Optional.",
				},
			},
		},
	}, s.handleGetCoreMemory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "set_core_memory",
		Description: "Store a durable fact, replacing any previous value for the key",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"segment": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"human", "persona"},
					"description": "Segment (default: human)",
				},
				"key": map[string]interface{}{
					"type":        "string",
					"description": "Fact name, e.g. preferred_language",
				},
				"value": map[string]interface{}{
					"type":        "string",
					"description": "Fact value",
				},
			},
			Required: []string{"key", "value"},
		},
	}, s.handleSetCoreMemory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_semantic_memory",
		Description: "List facts and entities extracted from past conversations",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"type": map[string]interface{}{
					"type":        "string",
					"description": "Entity type filter, e.g. person or concept. Optional.",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of entries (default: all)",
				},
			},
		},
	}, s.handleListSemantic)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_chats",
		Description: "List chats, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleListChats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_chat_history",
		Description: "Return a chat's turns, oldest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"chat_id": map[string]interface{}{
					"type":        "integer",
					"description": "Chat id",
				},
			},
			Required: []string{"chat_id"},
		},
	}, s.handleGetChatHistory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_status",
		Description: "Get system status and health",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleGetStatus)
}

func parseParams(args interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	result, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

// currentUser resolves the configured account once
func (s *Server) currentUser(ctx context.Context) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil {
		return s.user, nil
	}
	u, err := s.users.EnsureUser(ctx, s.username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user %q: %w", s.username, err)
	}
	s.user = u
	return u, nil
}

func (s *Server) handleRouteQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Query   string `json:"query"`
		ChatID  int64  `json:"chat_id"`
		Persona string `json:"persona"`
		Mode    string `json:"mode"`
		Execute *bool  `json:"execute"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	user, err := s.currentUser(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if params.ChatID != 0 {
		if _, err := s.store.GetChat(ctx, user.ID, params.ChatID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("chat %d not found", params.ChatID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("failed to open chat: %v", err)), nil
		}
	}
	mc, err := s.memory.Build(ctx, user.ID, params.ChatID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load memory: %v", err)), nil
	}

	persona := pipeline.ParsePersona(params.Persona)
	decision, err := s.router.Route(ctx, router.Input{
		Query:   params.Query,
		Recent:  mc.History,
		Mode:    params.Mode,
		Persona: string(persona),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("routing failed: %v", err)), nil
	}

	if params.Execute != nil && !*params.Execute {
		return jsonResult(map[string]interface{}{"decision": decision})
	}

	res, err := s.pipelines.Execute(ctx, decision.Pipeline, &pipeline.Request{
		UserID:  user.ID,
		ChatID:  params.ChatID,
		Query:   params.Query,
		Persona: persona,
		Params:  decision.Params,
		Memory:  mc,
	}, pipeline.Discard)
	if err != nil {
		pe := models.AsPipelineError(err, "")
		s.log.Warn().Err(pe).Str("pipeline", string(decision.Pipeline)).Msg("tool pipeline failed")
		return jsonResult(map[string]interface{}{"decision": decision, "error": pe})
	}

	return jsonResult(map[string]interface{}{
		"decision": decision,
		"result":   res,
	})
}

func (s *Server) handleGetCoreMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Segment models.CoreSegment `json:"segment"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Segment != "" && !params.Segment.IsValid() {
		return mcp.NewToolResultError("segment must be human or persona"), nil
	}

	user, err := s.currentUser(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := s.store.ListCore(ctx, user.ID, params.Segment)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list core memory: %v", err)), nil
	}
	return jsonResult(entries)
}

func (s *Server) handleSetCoreMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Segment models.CoreSegment `json:"segment"`
		Key     string             `json:"key"`
		Value   string             `json:"value"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Segment == "" {
		params.Segment = models.SegmentHuman
	}
	if !params.Segment.IsValid() {
		return mcp.NewToolResultError("segment must be human or persona"), nil
	}
	if params.Key == "" {
		return mcp.NewToolResultError("key is required"), nil
	}

	user, err := s.currentUser(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry, err := s.store.UpsertCore(ctx, user.ID, params.Segment, params.Key, params.Value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store core memory: %v", err)), nil
	}
	return jsonResult(entry)
}

func (s *Server) handleListSemantic(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Type  string `json:"type"`
		Limit int    `json:"limit"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	user, err := s.currentUser(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := s.store.ListSemantic(ctx, user.ID, db.SemanticFilter{EntityType: params.Type, Limit: params.Limit})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list semantic memory: %v", err)), nil
	}
	return jsonResult(entries)
}

func (s *Server) handleListChats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chats, err := s.store.ListChats(ctx, user.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list chats: %v", err)), nil
	}
	return jsonResult(chats)
}

func (s *Server) handleGetChatHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	user, err := s.currentUser(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.store.GetChat(ctx, user.ID, params.ChatID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chat %d not found", params.ChatID)), nil
	}
	turns, err := s.store.ListEpisodic(ctx, user.ID, params.ChatID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load history: %v", err)), nil
	}
	return jsonResult(turns)
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pingErr := s.store.Ping(ctx)
	version, _ := s.store.SchemaVersion(ctx)

	status := "healthy"
	if pingErr != nil {
		status = "degraded"
	}
	return jsonResult(map[string]interface{}{
		"status":         status,
		"version":        "1.0.0",
		"driver":         s.store.Driver(),
		"schema_version": version,
		"pipelines":      models.AllPipelines(),
		"user":           s.username,
	})
}

// Serve starts the MCP server with stdio transport
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for use with other transports (e.g., SSE)
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
