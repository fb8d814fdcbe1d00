package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/pipeline"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error    string             `json:"error"`
	Kind     evalerr.Kind       `json:"kind"`
	Rejected []intake.Rejection `json:"rejected,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

// respondRaw writes an already-encoded JSON body.
func respondRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write response body")
	}
}

// respondError classifies err and writes it. Only the user-facing message is
// sent; the full chain is logged.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := evalerr.StatusFor(err)
	body := errorBody{
		Error: evalerr.Message(err),
		Kind:  evalerr.KindOf(err),
	}
	var rej *pipeline.RejectedError
	if errors.As(err, &rej) {
		body.Rejected = rej.Rejected
		w.Header().Set(HeaderRejectedAssets, strconv.Itoa(len(rej.Rejected)))
	}

	ev := log.Warn()
	if status >= 500 && body.Kind == evalerr.KindInternal {
		ev = log.Error()
	}
	ev.Err(err).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("kind", body.Kind.String()).
		Msg("Request failed")

	respondJSON(w, status, body)
}

// httpError sends a plain JSON error for failures outside the evaluation
// taxonomy (routing, decoding).
func httpError(w http.ResponseWriter, status int, clientMsg string) {
	respondJSON(w, status, map[string]string{"error": clientMsg})
}

// requestTooLarge converts a body-limit failure into OversizeBatch.
func requestTooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return evalerr.Wrap(evalerr.KindOversizeBatch,
			"The request is larger than the "+humanBytes(mbe.Limit)+" upload limit.", err)
	}
	return nil
}
