package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/auth"
	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/db"
	"github.com/oscillatelabsllc/skyth/internal/discover"
	"github.com/oscillatelabsllc/skyth/internal/logging"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/metrics"
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

// Speaker streams synthesized speech
type Speaker interface {
	Speak(ctx context.Context, text, voice string) (io.ReadCloser, error)
}

// Deps wires the server to the rest of the application
type Deps struct {
	Config    *config.Config
	Store     *db.Store
	Router    Router
	Pipelines Executor
	Memory    *memory.Builder
	Discover  *discover.Service
	Auth      *auth.Service
	Speech    Speaker
	Log       zerolog.Logger
}

// Server implements the HTTP API
type Server struct {
	cfg       *config.Config
	store     *db.Store
	router    Router
	pipelines Executor
	memory    *memory.Builder
	discover  *discover.Service
	auth      *auth.Service
	speech    Speaker
	log       zerolog.Logger

	mux       *chi.Mux
	sseServer *server.SSEServer
	mcpServer *server.MCPServer
}

// NewServer creates a new HTTP API server
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		router:    deps.Router,
		pipelines: deps.Pipelines,
		memory:    deps.Memory,
		discover:  deps.Discover,
		auth:      deps.Auth,
		speech:    deps.Speech,
		log:       logging.Component(deps.Log, "api"),
	}

	s.setupRouter()
	return s
}

// setupRouter configures all HTTP routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/openapi.json", s.handleOpenAPISpec)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.RequireUser)

		// streamed responses stay open for the length of the pipeline
		r.Post("/query", s.handleQuery)
		r.Post("/tts", s.handleTTS)
		r.Post("/uploads/audio", s.handleUploadAudio)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			r.Get("/profile", s.handleProfile)
			r.Get("/status", s.handleGetStatus)

			r.Post("/uploads/image", s.handleUploadImage)
			r.Post("/uploads/file", s.handleUploadFile)

			r.Get("/chats", s.handleListChats)
			r.Post("/chats", s.handleCreateChat)
			r.Patch("/chats/{id}", s.handleRenameChat)
			r.Delete("/chats/{id}", s.handleDeleteChat)
			r.Get("/chats/{id}/history", s.handleChatHistory)

			r.Route("/memory", func(r chi.Router) {
				r.Get("/core", s.handleListCore)
				r.Put("/core", s.handleUpsertCore)
				r.Get("/semantic", s.handleListSemantic)
				r.Get("/resources", s.handleListResources)
				r.Get("/procedures", s.handleListProcedures)
				r.Put("/procedures", s.handleUpsertProcedure)
				r.Get("/vault", s.handleListVault)
				r.Put("/vault", s.handleUpsertVault)
				r.Get("/vault/{key}", s.handleGetVault)
			})

			r.Route("/discover", func(r chi.Router) {
				r.Get("/categories", s.handleCategories)
				r.Get("/topics", s.handleTopics)
				r.Get("/articles/{category}", s.handleArticles)
				r.Post("/article", s.handleArticle)
				r.Post("/interactions", s.handleInteraction)
			})
		})
	})

	s.mux = r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve starts the HTTP server and shuts it down gracefully when ctx ends
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().
			Str("addr", srv.Addr).
			Bool("oauth", s.auth.OAuthEnabled()).
			Msg("starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("failed to shut down MCP SSE server")
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// handleHealth returns 200 OK if server is running
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	successResponse(w, map[string]string{"status": "healthy"})
}

// handleReady checks that the store answers
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	successResponse(w, map[string]string{"status": "ready"})
}

// handleGetStatus returns system status
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.SchemaVersion(r.Context())
	successResponse(w, map[string]interface{}{
		"status":         "operational",
		"driver":         s.store.Driver(),
		"schema_version": version,
		"database_ready": err == nil,
		"pipelines":      models.AllPipelines(),
		"oauth_enabled":  s.auth.OAuthEnabled(),
	})
}

// errorResponse writes a JSON error response
func errorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// successResponse writes a JSON success response
func successResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error onto an HTTP status
func statusFor(err error) int {
	if errors.Is(err, db.ErrNotFound) {
		return http.StatusNotFound
	}

	var pe *models.PipelineError
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case models.KindMissingParameter:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindCancelled:
		return http.StatusRequestTimeout
	case models.KindCollaborator:
		switch pe.Subtype {
		case models.CollabRateLimit:
			return http.StatusTooManyRequests
		case models.CollabUnavailable:
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// pipelineErrorResponse writes a classified pipeline error
func pipelineErrorResponse(w http.ResponseWriter, err error) {
	pe := models.AsPipelineError(err, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(pe))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":        pe.Error(),
		"kind":         pe.Kind,
		"subtype":      pe.Subtype,
		"collaborator": pe.Collaborator,
	})
}

// storeError answers a store failure, 404 for missing or foreign rows
func (s *Server) storeError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, db.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error().Err(err).Msg(action)
	errorResponse(w, http.StatusInternalServerError, action+": "+err.Error())
}

// AddMCPServer adds MCP SSE transport to the HTTP server
func (s *Server) AddMCPServer(mcpServer *server.MCPServer) {
	s.mcpServer = mcpServer

	s.sseServer = server.NewSSEServer(
		mcpServer,
		server.WithBaseURL(s.cfg.Server.BaseURL),
		server.WithBasePath("/mcp"),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(15*time.Second),
	)

	// the SSE server routes /sse and /message itself; tools need a signed-in
	// session whenever OAuth is configured
	s.mux.Mount("/mcp", s.auth.RequireUser(s.sseServer))

	s.log.Info().
		Str("sse", "/mcp/sse").
		Str("message", "/mcp/message").
		Msg("MCP SSE endpoint mounted")
}
