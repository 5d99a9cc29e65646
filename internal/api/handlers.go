package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/auth"
	"github.com/oscillatelabsllc/skyth/internal/db"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/pipeline"
	"github.com/oscillatelabsllc/skyth/internal/router"
)

// Events that frame a query stream. Pipelines add their own in between.
const (
	EventChat          = "chat"
	EventRoute         = "route"
	EventFinalResponse = "final_response"
	EventError         = "error"
)

// QueryRequest is the body of POST /api/v1/query. Uploaded media travels
// base64 encoded, optionally as a data URI.
type QueryRequest struct {
	Query         string `json:"query"`
	ChatID        int64  `json:"chat_id,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Persona       string `json:"persona,omitempty"`
	CustomPersona string `json:"custom_persona,omitempty"`
	Image         string `json:"image,omitempty"`
	ImageMIME     string `json:"image_mime,omitempty"`
	Audio         string `json:"audio,omitempty"`
	AudioName     string `json:"audio_name,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	FileText      string `json:"file_text,omitempty"`
}

// TTSRequest is the body of POST /api/v1/tts
type TTSRequest struct {
	Text    string `json:"text"`
	Persona string `json:"persona,omitempty"`
}

// currentUser returns the user RequireUser attached
func currentUser(r *http.Request) *models.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

// decodeMedia accepts raw base64 or a data URI and returns the bytes with
// the MIME type the URI declared
func decodeMedia(s string) ([]byte, string, error) {
	if s == "" {
		return nil, "", nil
	}
	mime := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", errors.New("malformed data URI")
		}
		mime = strings.TrimSuffix(strings.TrimPrefix(s[:comma], "data:"), ";base64")
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

// handleQuery routes a query and streams the chosen pipeline's events
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	ctx := r.Context()

	var req QueryRequest
	body := http.MaxBytesReader(w, r.Body, 2*s.cfg.Uploads.MaxBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" && req.Image == "" && req.Audio == "" && req.FileText == "" {
		errorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	image, imageMIME, err := decodeMedia(req.Image)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid image: "+err.Error())
		return
	}
	if req.ImageMIME != "" {
		imageMIME = req.ImageMIME
	}
	audio, _, err := decodeMedia(req.Audio)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid audio: "+err.Error())
		return
	}

	var chat *models.Chat
	created := req.ChatID == 0
	if created {
		chat, err = s.store.CreateChat(ctx, user.ID, models.ChatTitle(req.Query))
	} else {
		chat, err = s.store.GetChat(ctx, user.ID, req.ChatID)
	}
	if err != nil {
		s.storeError(w, err, "Failed to open chat")
		return
	}

	// a chat created for this query is dropped again unless its first turn commits
	committed := false
	if created {
		defer func() {
			if !committed {
				s.discardChat(ctx, user.ID, chat.ID)
			}
		}()
	}

	mc, err := s.memory.Build(ctx, user.ID, chat.ID)
	if err != nil {
		pipelineErrorResponse(w, models.PersistenceError(err))
		return
	}

	persona := pipeline.ParsePersona(req.Persona)
	stream := newSSEWriter(w)
	log := s.log.With().Int64("user_id", user.ID).Int64("chat_id", chat.ID).Logger()

	if err := stream.Emit(EventChat, chat); err != nil {
		return
	}

	decision, err := s.router.Route(ctx, router.Input{
		Query:    req.Query,
		Recent:   mc.History,
		Mode:     req.Mode,
		Persona:  string(persona),
		HasImage: len(image) > 0,
		HasAudio: len(audio) > 0,
		HasFile:  req.FileText != "",
	})
	if err != nil {
		log.Debug().Err(err).Msg("routing aborted")
		stream.Emit(EventError, models.AsPipelineError(err, "router"))
		return
	}
	if err := stream.Emit(EventRoute, decision); err != nil {
		return
	}

	res, err := s.pipelines.Execute(ctx, decision.Pipeline, &pipeline.Request{
		UserID:        user.ID,
		ChatID:        chat.ID,
		Query:         req.Query,
		Persona:       persona,
		CustomPersona: req.CustomPersona,
		Params:        decision.Params,
		Image:         image,
		ImageMIME:     imageMIME,
		Audio:         audio,
		AudioName:     req.AudioName,
		FileName:      req.FileName,
		FileText:      req.FileText,
		Memory:        mc,
	}, stream)
	if err != nil {
		stream.Emit(EventError, models.AsPipelineError(err, ""))
		return
	}
	committed = true

	stream.Emit(EventFinalResponse, res)
}

// discardChat removes a chat whose first turn failed. It runs after the
// client may have gone, so it ignores cancellation of ctx.
func (s *Server) discardChat(ctx context.Context, userID, chatID int64) {
	if err := s.store.DeleteChat(context.WithoutCancel(ctx), userID, chatID); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to discard empty chat")
	}
}

// handleTTS streams speech for the given text
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	voice := pipeline.VoiceFor(s.cfg.TTS.Voices, req.Persona)
	audio, err := s.speech.Speak(r.Context(), req.Text, voice)
	if err != nil {
		pipelineErrorResponse(w, err)
		return
	}
	defer audio.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := make([]byte, 16*1024)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Str("voice", voice).Msg("speech stream interrupted")
			return
		}
	}
}

// handleLogin redirects to the identity provider
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := s.auth.LoginURL(w)
	if errors.Is(err, auth.ErrOAuthDisabled) {
		errorResponse(w, http.StatusNotFound, "login is not configured")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleCallback completes the login and sets the session cookie
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Callback(w, r)
	switch {
	case errors.Is(err, auth.ErrOAuthDisabled):
		errorResponse(w, http.StatusNotFound, "login is not configured")
		return
	case errors.Is(err, auth.ErrInvalidState):
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Warn().Err(err).Msg("login failed")
		errorResponse(w, http.StatusUnauthorized, "login failed")
		return
	}

	if err := s.auth.IssueSession(w, user); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout clears the session cookie
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(w)
	successResponse(w, map[string]bool{"success": true})
}

// handleProfile describes the signed-in user
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	successResponse(w, map[string]interface{}{
		"user":          user,
		"oauth_enabled": s.auth.OAuthEnabled(),
		"interests":     s.discover.Interests(user.ID),
	})
}

// parseID reads a positive integer path or form value
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
