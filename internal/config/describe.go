package config

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fpang/ielts-examiner/internal/logging"
)

// Describe registers the resolved settings on a startup logger. Secrets are
// reported only by where they come from.
func (c Config) Describe(s *logging.StartupLogger) *logging.StartupLogger {
	s.Upstream("url", c.UpstreamURL).
		Upstream("singlePath", c.Endpoints.Single).
		Upstream("batchPath", c.Endpoints.Batch).
		Upstream("budget", c.UpstreamTimeout.String())

	s.Limit("maxWidth", strconv.Itoa(c.MaxWidth)).
		Limit("jpegQuality", strconv.Itoa(c.JPEGQuality)).
		Limit("maxAsset", humanize.IBytes(uint64(c.MaxAssetBytes))).
		Limit("maxBatch", humanize.IBytes(uint64(c.MaxBatchBytes))).
		Limit("maxRaw", humanize.IBytes(uint64(c.MaxRawBytes))).
		Limit("maxRequest", humanize.IBytes(uint64(c.MaxRequestBytes))).
		Limit("maxFiles", strconv.Itoa(c.MaxFiles)).
		Limit("concurrency", strconv.Itoa(c.Concurrency))

	s.Config("port", strconv.Itoa(c.Port)).
		Config("sessionTTL", c.SessionTTL.String()).
		Config("allowedOrigins", strings.Join(c.AllowedOrigins, ","))

	if c.MediaBucket != "" {
		s.Resource("mediaBucket", c.MediaBucket)
	}
	if c.ResendAPIKey == "" {
		s.Resource("resendKeyParam", c.ResendAPIKeyParam)
	}

	return s.Feature("uploads", c.MediaBucket != "").
		Feature("mail", c.ResendAPIKey != "")
}
