package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/models"
	"github.com/oscillatelabsllc/skyth/internal/pipeline"
)

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var audioTypes = map[string]bool{
	".webm": true, ".wav": true, ".mp3": true, ".m4a": true,
	".ogg": true, ".mp4": true, ".mpeg": true, ".flac": true,
}

var fileTypes = map[string]bool{
	".txt": true, ".md": true, ".html": true, ".htm": true, ".json": true, ".csv": true,
}

// upload is one multipart file
type upload struct {
	Name   string // original file name
	Stored string // generated name
	Ext    string
	Data   []byte
	ChatID *int64
}

// readUpload reads the "file" part and the optional chat_id field. It writes
// the error response itself and returns nil on failure.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, allowed func(ext string) bool) *upload {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Uploads.MaxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		uploadError(w, err)
		return nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "file is required")
		return nil
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowed(ext) {
		errorResponse(w, http.StatusBadRequest, "unsupported file type "+ext)
		return nil
	}

	data, err := io.ReadAll(file)
	if err != nil {
		uploadError(w, err)
		return nil
	}
	if len(data) == 0 {
		errorResponse(w, http.StatusBadRequest, "file is empty")
		return nil
	}

	up := &upload{
		Name:   filepath.Base(header.Filename),
		Stored: ulid.Make().String() + ext,
		Ext:    ext,
		Data:   data,
	}
	if raw := r.FormValue("chat_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return nil
		}
		up.ChatID = &id
	}
	return up
}

func uploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		errorResponse(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
		return
	}
	errorResponse(w, http.StatusBadRequest, "Invalid upload: "+err.Error())
}

// attach records a chat-scoped resource row for an upload
func (s *Server) attach(r *http.Request, up *upload, kind models.ResourceType, summary, location string) error {
	if up.ChatID == nil {
		return nil
	}
	_, err := s.store.AppendResource(r.Context(), models.ResourceEntry{
		UserID:       currentUser(r).ID,
		ChatID:       up.ChatID,
		Title:        up.Name,
		Summary:      summary,
		ResourceType: kind,
		Location:     location,
	})
	return err
}

// handleUploadImage returns an uploaded image base64 encoded
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	up := s.readUpload(w, r, func(ext string) bool { _, ok := imageTypes[ext]; return ok })
	if up == nil {
		return
	}

	mime := imageTypes[up.Ext]
	encoded := base64.StdEncoding.EncodeToString(up.Data)
	if err := s.attach(r, up, models.ResourceImage, "uploaded image", "data:"+mime+";base64,"+encoded); err != nil {
		s.storeError(w, err, "Failed to record upload")
		return
	}

	successResponse(w, map[string]interface{}{
		"filename":      up.Stored,
		"original_name": up.Name,
		"mime":          mime,
		"size":          len(up.Data),
		"data":          encoded,
	})
}

// handleUploadFile returns an uploaded document as text
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	up := s.readUpload(w, r, func(ext string) bool { return fileTypes[ext] })
	if up == nil {
		return
	}

	text := string(up.Data)
	if up.Ext == ".html" || up.Ext == ".htm" {
		md, err := collab.HTMLToMarkdown(text)
		if err != nil {
			errorResponse(w, http.StatusUnprocessableEntity, "failed to read HTML: "+err.Error())
			return
		}
		text = md
	}

	if err := s.attach(r, up, models.ResourceFile, "uploaded file", text); err != nil {
		s.storeError(w, err, "Failed to record upload")
		return
	}

	successResponse(w, map[string]interface{}{
		"filename":      up.Stored,
		"original_name": up.Name,
		"size":          len(up.Data),
		"text":          text,
	})
}

// handleUploadAudio transcribes an uploaded recording
func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	up := s.readUpload(w, r, func(ext string) bool { return audioTypes[ext] })
	if up == nil {
		return
	}

	res, err := s.pipelines.Execute(r.Context(), models.PipelineTranscribe, &pipeline.Request{
		UserID:    currentUser(r).ID,
		Audio:     up.Data,
		AudioName: up.Stored,
	}, pipeline.Discard)
	switch {
	case errors.Is(err, pipeline.ErrNoSpeech):
		errorResponse(w, http.StatusUnprocessableEntity, "could not understand the audio")
		return
	case err != nil:
		s.log.Warn().Err(err).Msg("transcription failed")
		errorResponse(w, http.StatusServiceUnavailable, "transcription is unavailable")
		return
	}

	successResponse(w, map[string]interface{}{
		"filename": up.Stored,
		"text":     res.Text,
	})
}
