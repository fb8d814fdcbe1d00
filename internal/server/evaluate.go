package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/pipeline"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
	"github.com/fpang/ielts-examiner/internal/upload"
)

// formMemory is how much of a multipart body is held in memory; the rest
// spills to temporary files.
const formMemory = 32 << 20

// cleanupTimeout bounds deleting uploaded pages after a submission.
const cleanupTimeout = 10 * time.Second

// batchResponse wraps a multi-image result with the pages dropped from it.
type batchResponse struct {
	Result   json.RawMessage    `json:"result"`
	Rejected []intake.Rejection `json:"rejected"`
}

// POST /api/evaluate
// Multipart fields: essay_text | file, optional mode.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if err := parseForm(r); err != nil {
		respondError(w, r, err)
		return
	}

	text := r.FormValue(submission.FieldEssayText)
	files := formFiles(r, submission.FieldFile)
	mode, err := chooseMode(r.FormValue("mode"), text, len(files))
	if err != nil {
		respondError(w, r, err)
		return
	}

	in := pipeline.Input{Mode: mode, Text: text}
	if mode != submission.ModeText {
		if in.Assets, err = readFiles(files); err != nil {
			respondError(w, r, err)
			return
		}
	}
	s.submit(w, r, sess, in)
}

// POST /api/evaluate/batch
// Multipart field: files (repeated, in page order).
func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if err := parseForm(r); err != nil {
		respondError(w, r, err)
		return
	}
	assets, err := readFiles(formFiles(r, submission.FieldFiles))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.submit(w, r, sess, pipeline.Input{Mode: submission.ModeMultiImage, Assets: assets})
}

// POST /api/evaluate/uploaded
// Body: {"sessionId": "uuid", "keys": ["<uuid>/<file>", ...], "mode": "multi-image"}
func (s *Server) handleEvaluateUploaded(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		httpError(w, http.StatusNotImplemented, "uploads are not configured")
		return
	}

	var req struct {
		SessionID string   `json:"sessionId"`
		Keys      []string `json:"keys"`
		Mode      string   `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if tooLarge := requestTooLarge(err); tooLarge != nil {
			respondError(w, r, tooLarge)
			return
		}
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := submission.ModeMultiImage
	if req.Mode != "" {
		m, err := submission.ParseMode(req.Mode)
		if err != nil || m == submission.ModeText {
			respondError(w, r, evalerr.New(evalerr.KindMissingInput,
				fmt.Sprintf("mode %q cannot be used with uploaded images", req.Mode)))
			return
		}
		mode = m
	}

	if err := upload.ValidateSessionID(req.SessionID); err != nil {
		respondError(w, r, evalerr.Wrap(evalerr.KindMissingInput, err.Error(), err))
		return
	}
	sess, _ := s.sessions.GetOrCreate(req.SessionID)
	w.Header().Set(HeaderSessionID, sess.ID)

	assets, err := s.uploads.Fetch(r.Context(), sess.ID, req.Keys)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), cleanupTimeout)
		defer cancel()
		s.uploads.Cleanup(ctx, req.Keys)
	}()

	s.submit(w, r, sess, pipeline.Input{Mode: mode, Assets: assets})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sess *session.Session, in pipeline.Input) {
	out, err := s.pipeline.Submit(r.Context(), sess, in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOutcome(w, out)
}

// respondOutcome relays the evaluator body verbatim. Multi-image results are
// wrapped so rejected pages can be reported alongside.
func respondOutcome(w http.ResponseWriter, out *pipeline.Outcome) {
	body := out.Result.Raw()
	if body == nil {
		var err error
		if body, err = json.Marshal(out.Result); err != nil {
			httpError(w, http.StatusInternalServerError, "failed to encode result")
			return
		}
	}

	if out.Mode != submission.ModeMultiImage {
		respondRaw(w, http.StatusOK, body)
		return
	}

	rejected := out.Rejected
	if rejected == nil {
		rejected = []intake.Rejection{}
	}
	w.Header().Set(HeaderRejectedAssets, strconv.Itoa(len(rejected)))
	respondJSON(w, http.StatusOK, batchResponse{Result: body, Rejected: rejected})
}

// session resolves the caller's session from the X-Session-Id header or the
// sessionId query parameter, creating one when absent, and echoes its id.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *session.Session {
	if s.sweepEvery > 0 {
		s.sessions.SweepIfDue(s.sweepEvery)
	}
	sess, _ := s.sessions.GetOrCreate(requestSessionID(r))
	w.Header().Set(HeaderSessionID, sess.ID)
	return sess
}

// parseForm accepts multipart and urlencoded bodies.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(formMemory)
	if err == nil || errors.Is(err, http.ErrNotMultipart) {
		return nil
	}
	if tooLarge := requestTooLarge(err); tooLarge != nil {
		return tooLarge
	}
	return evalerr.Wrap(evalerr.KindMissingInput, "The request form could not be read.", err)
}

func formFiles(r *http.Request, field string) []*multipart.FileHeader {
	if r.MultipartForm == nil {
		return nil
	}
	return r.MultipartForm.File[field]
}

// chooseMode picks the input mode. An explicit mode wins; otherwise attached
// files select an image mode and plain text selects text mode.
func chooseMode(field, text string, files int) (submission.Mode, error) {
	if strings.TrimSpace(text) == "" && files == 0 {
		return 0, evalerr.New(evalerr.KindMissingInput, "Please provide either text or an image.")
	}
	if field != "" {
		m, err := submission.ParseMode(field)
		if err != nil {
			return 0, evalerr.Wrap(evalerr.KindMissingInput, fmt.Sprintf("Unknown mode %q.", field), err)
		}
		return m, nil
	}
	switch {
	case files == 1:
		return submission.ModeSingleImage, nil
	case files > 1:
		return submission.ModeMultiImage, nil
	default:
		return submission.ModeText, nil
	}
}

func readFiles(files []*multipart.FileHeader) ([]intake.RawAsset, error) {
	assets := make([]intake.RawAsset, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, evalerr.ForAsset(evalerr.KindAssetDecode, fh.Filename,
				fmt.Sprintf("%s could not be read.", fh.Filename), err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, evalerr.ForAsset(evalerr.KindAssetDecode, fh.Filename,
				fmt.Sprintf("%s could not be read.", fh.Filename), err)
		}
		assets = append(assets, intake.RawAsset{
			Name:      fh.Filename,
			MediaType: fh.Header.Get("Content-Type"),
			Data:      data,
		})
	}
	return assets, nil
}

func humanBytes(n int64) string {
	return humanize.IBytes(uint64(n))
}
