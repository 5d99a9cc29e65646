package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// ChatRequest is the body for creating or renaming a chat
type ChatRequest struct {
	Title string `json:"title"`
}

func chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context(), currentUser(r).ID)
	if err != nil {
		s.storeError(w, err, "Failed to list chats")
		return
	}
	successResponse(w, map[string]interface{}{
		"chats": chats,
		"count": len(chats),
	})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	chat, err := s.store.CreateChat(r.Context(), currentUser(r).ID, models.ChatTitle(req.Title))
	if err != nil {
		s.storeError(w, err, "Failed to create chat")
		return
	}
	successResponse(w, chat)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	user := currentUser(r)
	if err := s.store.RenameChat(r.Context(), user.ID, id, models.ChatTitle(req.Title)); err != nil {
		s.storeError(w, err, "Failed to rename chat")
		return
	}
	chat, err := s.store.GetChat(r.Context(), user.ID, id)
	if err != nil {
		s.storeError(w, err, "Failed to load chat")
		return
	}
	successResponse(w, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteChat(r.Context(), currentUser(r).ID, id); err != nil {
		s.storeError(w, err, "Failed to delete chat")
		return
	}
	successResponse(w, map[string]interface{}{"success": true})
}

// handleChatHistory returns a chat's turns oldest first
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	user := currentUser(r)

	chat, err := s.store.GetChat(r.Context(), user.ID, id)
	if err != nil {
		s.storeError(w, err, "Failed to load chat")
		return
	}
	turns, err := s.store.ListEpisodic(r.Context(), user.ID, id)
	if err != nil {
		s.storeError(w, err, "Failed to load history")
		return
	}
	successResponse(w, map[string]interface{}{
		"chat":    chat,
		"history": turns,
	})
}
