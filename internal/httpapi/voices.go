package httpapi

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/dparodi/vocalia/internal/memory"
	"github.com/dparodi/vocalia/internal/task"
)

type cloneVoiceRequest struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	PCM16Base64 string `json:"pcm16_base64"`
	SampleRate  int    `json:"sample_rate"`
}

type cloneVoiceResponse struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

type listVoicesResponse struct {
	Voices []memory.VoiceRecord `json:"voices"`
}

// handleCloneVoice runs a clone task on the batch lane; reference audio can
// be long and cloning should never preempt live turns.
func (s *Server) handleCloneVoice(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "task routing not configured")
		return
	}

	var req cloneVoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if req.PCM16Base64 == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "pcm16_base64 is required")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.PCM16Base64); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", "pcm16_base64 is not valid base64")
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 16000
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	tk, err := task.New(task.TypeCloneVoice, task.CloneVoicePayload{
		Name:        req.Name,
		PCM16Base64: req.PCM16Base64,
		SampleRate:  req.SampleRate,
	}, task.PriorityBatch)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	res, err := s.router.Route(r.Context(), tk)
	s.metrics.CountTask(string(task.TypeCloneVoice), outcomeLabel(err))
	if err != nil {
		if task.KindOf(err) == task.KindUnknownTaskType {
			respondError(w, http.StatusNotImplemented, "unavailable", "no clone_voice pool is configured")
			return
		}
		respondError(w, http.StatusBadGateway, "clone_failed", err.Error())
		return
	}
	var cloned task.CloneVoiceResult
	if err := res.Decode(&cloned); err != nil {
		respondError(w, http.StatusBadGateway, "clone_failed", err.Error())
		return
	}

	if s.store != nil {
		record := memory.VoiceRecord{ID: cloned.VoiceID, UserID: req.UserID, Name: req.Name}
		if err := s.store.SaveVoice(r.Context(), record); err != nil {
			respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
	}

	respondJSON(w, http.StatusCreated, cloneVoiceResponse{VoiceID: cloned.VoiceID, Name: req.Name})
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondJSON(w, http.StatusOK, listVoicesResponse{Voices: []memory.VoiceRecord{}})
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = "anonymous"
	}
	voices, err := s.store.Voices(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if voices == nil {
		voices = []memory.VoiceRecord{}
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{Voices: voices})
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := task.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
