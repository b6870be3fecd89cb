// Package api provides HTTP handlers for FurnitureDate endpoints.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FurnitureDate/internal/catalog"
	"github.com/BTreeMap/FurnitureDate/internal/dialogue"
	"github.com/BTreeMap/FurnitureDate/internal/models"
	"github.com/BTreeMap/FurnitureDate/internal/session"
	"github.com/BTreeMap/FurnitureDate/internal/speech"
	"github.com/BTreeMap/FurnitureDate/internal/store"
)

func (s *Server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}
	items, err := s.catalog.FetchItems(r.Context())
	if err != nil {
		slog.Error("Server.catalogHandler: failed to fetch catalog", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Catalog unavailable"))
		return
	}
	slog.Debug("Server.catalogHandler: catalog served", "count", len(items))
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

func (s *Server) questionsHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.prompts.FetchPrompts(r.Context())))
}

func (s *Server) askHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.askHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	items, err := s.catalog.FetchItems(r.Context())
	if err != nil {
		slog.Error("Server.askHandler: failed to fetch catalog", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Catalog unavailable"))
		return
	}
	item, ok := catalog.Find(items, req.Furniture)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Furniture not found"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	answer, err := s.dialogue.Ask(ctx, dialogue.Request{
		ItemID:   item.ID(),
		Question: req.Question,
		Context:  item.Context(),
		History:  req.History,
	})
	if err != nil {
		var refusal *dialogue.RefusalError
		switch {
		case errors.As(err, &refusal):
			writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"answer": refusal.Message, "refused": true}))
		case errors.Is(err, dialogue.ErrEmptyQuestion):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.askHandler: dialogue failed", "error", err, "item", item.Title)
			writeJSONResponse(w, http.StatusBadGateway, models.ErrorWithResult("Dialogue service unavailable",
				map[string]string{"answer": session.ConnectionFailureMessage}))
		}
		return
	}
	slog.Info("Server.askHandler: question answered", "item", item.Title)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"answer": answer}))
}

func (s *Server) speakHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}
	if !s.speaker.Enabled() {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(speech.ErrDisabled.Error()))
		return
	}
	var req models.SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	audio, err := s.speaker.Speak(ctx, req.Text, req.Accent)
	switch {
	case err == nil:
	case errors.Is(err, speech.ErrSuperseded):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	case errors.Is(err, speech.ErrDisabled):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
		return
	default:
		slog.Error("Server.speakHandler: synthesis failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Speech synthesis failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"audio":  base64.StdEncoding.EncodeToString(audio),
		"format": "mp3",
	}))
}

func (s *Server) preferencesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	visitor := strings.TrimSpace(r.PathValue("visitor"))
	switch r.Method {
	case http.MethodGet:
		prefs, found, err := s.st.GetPreferences(visitor)
		if err != nil {
			slog.Error("Server.preferencesHandler: failed to load preferences", "error", err, "visitor", visitor)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load preferences"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"preferences": prefs, "found": found}))
	case http.MethodPut:
		var prefs models.Preferences
		if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := prefs.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if err := s.st.SavePreferences(visitor, prefs); err != nil {
			if errors.Is(err, store.ErrEmptyVisitorID) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
				return
			}
			slog.Error("Server.preferencesHandler: failed to save preferences", "error", err, "visitor", visitor)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save preferences"))
			return
		}
		slog.Info("Server.preferencesHandler: preferences saved", "visitor", visitor)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Preferences saved", prefs))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}
	sessionID := r.URL.Query().Get("session")
	logs, err := s.st.GetLogs(sessionID)
	if err != nil {
		slog.Error("Server.logsHandler: failed to load logs", "error", err, "session", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load logs"))
		return
	}
	if logs == nil {
		logs = []models.SessionLog{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}
	health := map[string]interface{}{
		"sessions": s.sessions.Len(),
		"speech":   s.speaker.Enabled(),
	}
	if c, ok := s.catalog.(interface{ RefreshedAt() time.Time }); ok {
		if at := c.RefreshedAt(); !at.IsZero() {
			health["catalog_refreshed_at"] = at
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(health))
}
