package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/oscillatelabsllc/skyth/internal/discover"
)

// ArticleRequest is the body of POST /api/v1/discover/article
type ArticleRequest struct {
	URL string `json:"url"`
}

// InteractionRequest is the body of POST /api/v1/discover/interactions
type InteractionRequest struct {
	Category string `json:"category"`
}

func refresh(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	return v == "1" || v == "true"
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	successResponse(w, map[string]interface{}{"categories": discover.Categories})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.discover.Topics(r.Context(), refresh(r))
	if err != nil {
		pipelineErrorResponse(w, err)
		return
	}
	successResponse(w, map[string]interface{}{"topics": topics})
}

func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	category, err := url.PathUnescape(chi.URLParam(r, "category"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid category")
		return
	}

	articles, err := s.discover.Articles(r.Context(), currentUser(r).ID, category, refresh(r))
	if errors.Is(err, discover.ErrUnknownCategory) {
		errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		pipelineErrorResponse(w, err)
		return
	}
	successResponse(w, map[string]interface{}{
		"category": category,
		"articles": articles,
	})
}

func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	var req ArticleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	page, err := s.discover.Article(r.Context(), req.URL)
	if errors.Is(err, discover.ErrEmptyURL) {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		pipelineErrorResponse(w, err)
		return
	}
	successResponse(w, page)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req InteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	user := currentUser(r)
	if err := s.discover.RecordInteraction(user.ID, req.Category); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(w, map[string]interface{}{
		"success":   true,
		"interests": s.discover.Interests(user.ID),
	})
}
