// Package upload lets clients put page images straight into S3 before
// submitting them, so large batches never pass through the API request body.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/intake"
)

// URLExpiry is how long a presigned PUT stays valid.
const URLExpiry = 15 * time.Minute

// fetchConcurrency bounds parallel GetObject calls for one submission.
const fetchConcurrency = 4

// Ticket is the response to an upload URL request.
type Ticket struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
}

// Service issues upload URLs and reads uploaded pages back.
type Service struct {
	store       ObjectStore
	maxRawBytes int64
	maxFiles    int
}

// NewService creates a Service. maxRawBytes caps each fetched object;
// maxFiles caps keys per submission (zero means no cap).
func NewService(store ObjectStore, maxRawBytes int64, maxFiles int) *Service {
	return &Service{store: store, maxRawBytes: maxRawBytes, maxFiles: maxFiles}
}

// URL validates the request and returns a presigned PUT for
// <sessionID>/<filename>.
func (s *Service) URL(ctx context.Context, sessionID, filename, contentType string) (*Ticket, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, evalerr.Wrap(evalerr.KindMissingInput, err.Error(), err)
	}
	if err := ValidateFilename(filename); err != nil {
		return nil, evalerr.Wrap(evalerr.KindMissingInput, err.Error(), err)
	}
	if !AllowedContentTypes[contentType] {
		return nil, evalerr.New(evalerr.KindMissingInput,
			fmt.Sprintf("unsupported content type %q: only page images can be uploaded", contentType))
	}

	key := sessionID + "/" + filename
	url, err := s.store.PresignPut(ctx, key, contentType, URLExpiry)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to generate presigned URL")
		return nil, evalerr.Wrap(evalerr.KindInternal, "Failed to generate upload URL.", err)
	}

	log.Info().Str("key", key).Str("contentType", contentType).Msg("Presigned upload URL generated")
	return &Ticket{UploadURL: url, Key: key}, nil
}

// Fetch validates keys against sessionID and downloads them, returning raw
// assets in key order. Any failure fails the whole fetch.
func (s *Service) Fetch(ctx context.Context, sessionID string, keys []string) ([]intake.RawAsset, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, evalerr.Wrap(evalerr.KindMissingInput, err.Error(), err)
	}
	if len(keys) == 0 {
		return nil, evalerr.New(evalerr.KindMissingInput, "Please provide at least one image.")
	}
	if s.maxFiles > 0 && len(keys) > s.maxFiles {
		return nil, evalerr.New(evalerr.KindOversizeBatch,
			fmt.Sprintf("Too many images: %d selected, at most %d allowed.", len(keys), s.maxFiles))
	}
	for _, k := range keys {
		if err := ValidateKey(sessionID, k); err != nil {
			return nil, evalerr.Wrap(evalerr.KindMissingInput, err.Error(), err)
		}
	}

	start := time.Now()
	assets := make([]intake.RawAsset, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, contentType, err := s.store.Fetch(gctx, key, s.maxRawBytes)
			if err != nil {
				return classifyFetch(key, err)
			}
			assets[i] = intake.RawAsset{Name: path.Base(key), MediaType: contentType, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Int("keys", len(keys)).Msg("Uploaded page fetch failed")
		return nil, err
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int("keys", len(keys)).
		Dur("duration", time.Since(start)).
		Msg("Uploaded pages fetched")
	return assets, nil
}

// Cleanup deletes keys after a submission. Failures are logged, not returned;
// the bucket lifecycle rule removes anything left behind.
func (s *Service) Cleanup(ctx context.Context, keys []string) {
	if err := s.store.Delete(ctx, keys); err != nil {
		log.Warn().Err(err).Int("keys", len(keys)).Msg("Failed to delete uploaded pages")
	}
}

func classifyFetch(key string, err error) error {
	name := path.Base(key)
	switch {
	case errors.Is(err, ErrNotFound):
		return evalerr.ForAsset(evalerr.KindMissingInput, name,
			fmt.Sprintf("%s was not uploaded or has expired.", name), err)
	case errors.Is(err, ErrTooLarge):
		return evalerr.ForAsset(evalerr.KindOversizeAsset, name,
			fmt.Sprintf("%s is too large to process.", name), err)
	case errors.Is(err, context.Canceled):
		return evalerr.Wrap(evalerr.KindInternal, "upload fetch cancelled", err)
	default:
		return evalerr.Wrap(evalerr.KindInternal, "Failed to read uploaded image.", err)
	}
}
