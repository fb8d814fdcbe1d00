package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/mailer"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
)

// existingSession returns the caller's session without creating one.
func (s *Server) existingSession(r *http.Request) (*session.Session, bool) {
	return s.lookupSession(requestSessionID(r))
}

func (s *Server) lookupSession(id string) (*session.Session, bool) {
	if id == "" {
		return nil, false
	}
	return s.sessions.Get(strings.ToLower(id))
}

func requestSessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	return r.URL.Query().Get("sessionId")
}

// GET /api/results
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	out := map[string]*evaluator.Result{}
	if sess, ok := s.existingSession(r); ok {
		w.Header().Set(HeaderSessionID, sess.ID)
		for mode, res := range sess.Results.Snapshot() {
			out[mode.String()] = res
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// GET /api/results/{mode}
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	mode, err := submission.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	sess, ok := s.existingSession(r)
	if !ok {
		httpError(w, http.StatusNotFound, "no result for "+mode.String())
		return
	}
	w.Header().Set(HeaderSessionID, sess.ID)
	res, ok := sess.Results.Get(mode)
	if !ok {
		httpError(w, http.StatusNotFound, "no result for "+mode.String())
		return
	}
	if raw := res.Raw(); raw != nil {
		respondRaw(w, http.StatusOK, raw)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// DELETE /api/results/{mode}
func (s *Server) handleClearResult(w http.ResponseWriter, r *http.Request) {
	mode, err := submission.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	if sess, ok := s.existingSession(r); ok {
		sess.Results.Clear(mode)
		w.Header().Set(HeaderSessionID, sess.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/session
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.existingSession(r); ok {
		s.sessions.Delete(sess.ID)
		log.Info().Str("sessionId", sess.ID).Msg("Session ended by client")
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/send
// Body: {"recipient", "subject", "content"} or {"recipient", "subject", "mode", "sessionId"}.
// Without content, the stored result for mode is rendered.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		mailer.Message
		Mode      string `json:"mode"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, mailer.Response{Error: "invalid request body"})
		return
	}
	if s.mail == nil {
		respondJSON(w, http.StatusServiceUnavailable, mailer.Response{Error: mailer.ErrNotConfigured.Error()})
		return
	}

	msg := req.Message
	if strings.TrimSpace(msg.Content) == "" && req.Mode != "" {
		content, status, errMsg := s.renderStored(r, req.Mode, req.SessionID)
		if errMsg != "" {
			respondJSON(w, status, mailer.Response{Error: errMsg})
			return
		}
		msg.Content = content
	}
	if err := msg.Validate(); err != nil {
		respondJSON(w, http.StatusBadRequest, mailer.Response{Error: err.Error()})
		return
	}

	resp := mailer.Dispatch(r.Context(), s.mail, msg)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, resp)
}

func (s *Server) renderStored(r *http.Request, modeName, sessionID string) (string, int, string) {
	mode, err := submission.ParseMode(modeName)
	if err != nil {
		return "", http.StatusBadRequest, err.Error()
	}
	if sessionID == "" {
		sessionID = requestSessionID(r)
	}
	sess, ok := s.lookupSession(sessionID)
	if !ok {
		return "", http.StatusNotFound, "no result for " + mode.String()
	}
	res, ok := sess.Results.Get(mode)
	if !ok {
		return "", http.StatusNotFound, "no result for " + mode.String()
	}
	content, err := mailer.RenderContent(res)
	if err != nil {
		log.Error().Err(err).Str("mode", mode.String()).Msg("Failed to render evaluation e-mail")
		return "", http.StatusInternalServerError, "failed to render evaluation"
	}
	return content, 0, ""
}

// GET /api/upload-url?sessionId=...&filename=...&contentType=...
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		httpError(w, http.StatusNotImplemented, "uploads are not configured")
		return
	}
	q := r.URL.Query()
	ticket, err := s.uploads.URL(r.Context(), q.Get("sessionId"), q.Get("filename"), q.Get("contentType"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	sess, _ := s.sessions.GetOrCreate(q.Get("sessionId"))
	w.Header().Set(HeaderSessionID, sess.ID)
	respondJSON(w, http.StatusOK, ticket)
}
