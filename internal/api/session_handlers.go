package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FurnitureDate/internal/models"
	"github.com/BTreeMap/FurnitureDate/internal/session"
)

// createSessionRequest is the body of POST /sessions.
type createSessionRequest struct {
	VisitorID   string              `json:"visitor_id,omitempty"`
	Preferences *models.Preferences `json:"preferences,omitempty"`
}

// submitPromptRequest is the body of POST /sessions/{id}/prompts.
type submitPromptRequest struct {
	Text string `json:"text"`
}

// sessionOptions maps server settings onto a new controller.
func (s *Server) sessionOptions() []session.Option {
	opts := []session.Option{
		session.WithRoundSeconds(s.opts.RoundSeconds),
		session.WithBatchSize(s.opts.BatchSize),
		session.WithRounds(s.opts.Rounds),
		session.WithLogSink(s.st),
	}
	if s.timer != nil {
		opts = append(opts, session.WithScheduler(s.timer), session.WithAutoAdvance(s.opts.AutoAdvance))
	}
	return opts
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var prefs models.Preferences
	switch {
	case req.Preferences != nil && !req.Preferences.IsZero():
		prefs = *req.Preferences
	case req.VisitorID != "":
		stored, found, err := s.st.GetPreferences(req.VisitorID)
		if err != nil {
			slog.Warn("Server.createSessionHandler: failed to load preferences, using defaults", "error", err, "visitor", req.VisitorID)
		} else if found {
			prefs = stored
		}
	}
	if err := prefs.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	c := session.New(s.dialogue, s.sessionOptions()...)
	if err := c.InitializeFrom(r.Context(), s.catalog, s.prompts, prefs); err != nil {
		c.Close()
		if errors.Is(err, session.ErrEmptyCatalog) {
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createSessionHandler: failed to initialize session", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Catalog unavailable"))
		return
	}
	round, err := c.StartRound()
	if err != nil {
		c.Close()
		slog.Error("Server.createSessionHandler: failed to start first round", "error", err, "id", c.ID())
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start session"))
		return
	}
	s.sessions.Add(c)
	slog.Info("Server.createSessionHandler: session started", "id", c.ID(), "visitor", req.VisitorID, "rounds", round.Total)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session started", round))
}

// lookupSession writes a 404 and returns false when the path id is unknown.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	id := r.PathValue("id")
	c, ok := s.sessions.Get(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return nil, false
	}
	return c, true
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c, ok := s.lookupSession(w, r)
		if !ok {
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(c.Snapshot()))
	case http.MethodDelete:
		c, ok := s.sessions.Remove(r.PathValue("id"))
		if !ok {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		round := c.End(r.Context())
		c.Close()
		slog.Info("Server.sessionHandler: session ended", "id", c.ID(), "rounds", round.Index)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", round))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) submitPromptHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}
	c, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req submitPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	ex, err := c.SubmitPrompt(ctx, req.Text)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrEmptyPrompt), errors.Is(err, models.ErrPromptTooLong):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case errors.Is(err, session.ErrDialogueUnavailable):
		writeJSONResponse(w, http.StatusBadGateway, models.ErrorWithResult(ex.Error, ex))
		return
	case errors.Is(err, session.ErrRequestInFlight),
		errors.Is(err, session.ErrRoundExpired),
		errors.Is(err, session.ErrRoundNotActive),
		errors.Is(err, session.ErrSessionComplete),
		errors.Is(err, session.ErrStaleResponse):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	default:
		slog.Error("Server.submitPromptHandler: unexpected error", "error", err, "id", c.ID())
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to submit prompt"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"exchange": ex,
		"round":    c.Snapshot(),
	}))
}

func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}
	c, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	round, err := c.AdvanceOrEnd(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrSessionFailed) {
			writeJSONResponse(w, http.StatusConflict, models.ErrorWithResult(err.Error(), round))
			return
		}
		slog.Error("Server.advanceHandler: failed to advance", "error", err, "id", c.ID())
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithResult("Failed to advance session", round))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(round))
}
