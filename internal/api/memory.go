package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oscillatelabsllc/skyth/internal/db"
	"github.com/oscillatelabsllc/skyth/internal/models"
)

// CoreRequest is the body of PUT /api/v1/memory/core
type CoreRequest struct {
	Segment models.CoreSegment `json:"segment"`
	Key     string             `json:"key"`
	Value   string             `json:"value"`
}

// ProcedureRequest is the body of PUT /api/v1/memory/procedures
type ProcedureRequest struct {
	Name  string          `json:"name"`
	Steps json.RawMessage `json:"steps"`
}

// VaultRequest is the body of PUT /api/v1/memory/vault
type VaultRequest struct {
	Key         string             `json:"key"`
	Value       string             `json:"value"`
	Sensitivity models.Sensitivity `json:"sensitivity,omitempty"`
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleListCore(w http.ResponseWriter, r *http.Request) {
	segment := models.CoreSegment(r.URL.Query().Get("segment"))
	if segment != "" && !segment.IsValid() {
		errorResponse(w, http.StatusBadRequest, "segment must be persona or human")
		return
	}

	entries, err := s.store.ListCore(r.Context(), currentUser(r).ID, segment)
	if err != nil {
		s.storeError(w, err, "Failed to list core memory")
		return
	}
	successResponse(w, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleUpsertCore(w http.ResponseWriter, r *http.Request) {
	var req CoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Segment == "" {
		req.Segment = models.SegmentHuman
	}
	if !req.Segment.IsValid() {
		errorResponse(w, http.StatusBadRequest, "segment must be persona or human")
		return
	}
	if req.Key == "" {
		errorResponse(w, http.StatusBadRequest, "key is required")
		return
	}

	entry, err := s.store.UpsertCore(r.Context(), currentUser(r).ID, req.Segment, req.Key, req.Value)
	if err != nil {
		s.storeError(w, err, "Failed to store core memory")
		return
	}
	successResponse(w, entry)
}

func (s *Server) handleListSemantic(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListSemantic(r.Context(), currentUser(r).ID, db.SemanticFilter{
		EntityType: r.URL.Query().Get("type"),
		Limit:      queryLimit(r),
	})
	if err != nil {
		s.storeError(w, err, "Failed to list semantic memory")
		return
	}
	successResponse(w, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	filter := db.ResourceFilter{
		Type:  models.ResourceType(r.URL.Query().Get("type")),
		Limit: queryLimit(r),
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		errorResponse(w, http.StatusBadRequest, "unknown resource type")
		return
	}
	if raw := r.URL.Query().Get("chat_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.ChatID = &id
	}

	entries, err := s.store.ListResources(r.Context(), currentUser(r).ID, filter)
	if err != nil {
		s.storeError(w, err, "Failed to list resources")
		return
	}
	successResponse(w, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleListProcedures(w http.ResponseWriter, r *http.Request) {
	procs, err := s.store.ListProcedures(r.Context(), currentUser(r).ID)
	if err != nil {
		s.storeError(w, err, "Failed to list procedures")
		return
	}
	successResponse(w, map[string]interface{}{"procedures": procs, "count": len(procs)})
}

func (s *Server) handleUpsertProcedure(w http.ResponseWriter, r *http.Request) {
	var req ProcedureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Steps) == 0 {
		req.Steps = json.RawMessage("[]")
	}

	proc, err := s.store.UpsertProcedure(r.Context(), currentUser(r).ID, req.Name, req.Steps)
	if err != nil {
		s.storeError(w, err, "Failed to store procedure")
		return
	}
	successResponse(w, proc)
}

// handleListVault lists vault keys; values are only returned one at a time
func (s *Server) handleListVault(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListVaultKeys(r.Context(), currentUser(r).ID)
	if err != nil {
		s.storeError(w, err, "Failed to list vault")
		return
	}
	successResponse(w, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleUpsertVault(w http.ResponseWriter, r *http.Request) {
	var req VaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		errorResponse(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.Sensitivity != "" && !req.Sensitivity.IsValid() {
		errorResponse(w, http.StatusBadRequest, "sensitivity must be low, medium or high")
		return
	}

	entry, err := s.store.UpsertVault(r.Context(), currentUser(r).ID, req.Key, req.Value, req.Sensitivity)
	if err != nil {
		s.storeError(w, err, "Failed to store vault entry")
		return
	}
	entry.Value = ""
	successResponse(w, entry)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetVault(r.Context(), currentUser(r).ID, chi.URLParam(r, "key"))
	if err != nil {
		s.storeError(w, err, "Failed to read vault entry")
		return
	}
	successResponse(w, entry)
}
