// Package config resolves runtime configuration in priority order:
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/submission"
)

// Budget bounds accepted for the upstream timeout.
const (
	MinUpstreamTimeout = time.Second
	MaxUpstreamTimeout = 15 * time.Minute
)

// DefaultUpstreamURL is the development fallback for the evaluator base.
const DefaultUpstreamURL = "http://localhost:3003"

// Config is the resolved runtime configuration.
type Config struct {
	UpstreamURL     string
	Endpoints       submission.Endpoints
	UpstreamTimeout time.Duration

	MaxWidth      int
	JPEGQuality   int
	MaxAssetBytes int64
	MaxBatchBytes int64
	MaxRawBytes   int64
	MaxFiles      int
	Concurrency   int

	Port            int
	SessionTTL      time.Duration
	AllowedOrigins  []string
	MaxRequestBytes int64

	MediaBucket string

	MailFrom          string
	ResendAPIKey      string
	ResendAPIKeyParam string
}

// configFile mirrors the YAML schema. Sizes and durations are strings so
// "5MiB" and "90s" read naturally.
type configFile struct {
	Upstream struct {
		URL        string `yaml:"url"`
		SinglePath string `yaml:"single_path"`
		BatchPath  string `yaml:"batch_path"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"upstream"`
	Intake struct {
		MaxWidth      int    `yaml:"max_width"`
		JPEGQuality   int    `yaml:"jpeg_quality"`
		MaxAssetBytes string `yaml:"max_asset_bytes"`
		MaxBatchBytes string `yaml:"max_batch_bytes"`
		MaxRawBytes   string `yaml:"max_raw_bytes"`
		MaxFiles      int    `yaml:"max_files"`
		Concurrency   int    `yaml:"concurrency"`
	} `yaml:"intake"`
	Server struct {
		Port            int      `yaml:"port"`
		SessionTTL      string   `yaml:"session_ttl"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		MaxRequestBytes string   `yaml:"max_request_bytes"`
	} `yaml:"server"`
	Storage struct {
		MediaBucket string `yaml:"media_bucket"`
	} `yaml:"storage"`
	Mail struct {
		From           string `yaml:"from"`
		ResendKeyParam string `yaml:"resend_key_param"`
	} `yaml:"mail"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	policy := intake.DefaultPolicy()
	return Config{
		UpstreamURL:       DefaultUpstreamURL,
		Endpoints:         submission.DefaultEndpoints(),
		UpstreamTimeout:   60 * time.Second,
		MaxWidth:          policy.MaxWidth,
		JPEGQuality:       policy.Quality,
		MaxAssetBytes:     policy.MaxAssetBytes,
		MaxBatchBytes:     20 << 20,
		MaxRawBytes:       policy.MaxRawBytes,
		MaxFiles:          10,
		Concurrency:       4,
		Port:              8080,
		SessionTTL:        2 * time.Hour,
		MaxRequestBytes:   100 << 20,
		MailFrom:          "IELTS Examiner <onboarding@resend.dev>",
		ResendAPIKeyParam: "/ielts-examiner/resend-api-key",
	}
}

// Load resolves configuration. An empty path skips the file layer; a path
// that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	var errs []error

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var f configFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		errs = append(errs, cfg.applyFile(f)...)
	}

	errs = append(errs, cfg.applyEnv()...)
	errs = append(errs, cfg.Validate())

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f configFile) []error {
	var errs []error
	setStr(&c.UpstreamURL, f.Upstream.URL)
	setStr(&c.Endpoints.Single, f.Upstream.SinglePath)
	setStr(&c.Endpoints.Batch, f.Upstream.BatchPath)
	errs = append(errs, setDuration(&c.UpstreamTimeout, "upstream.timeout", f.Upstream.Timeout))

	setInt(&c.MaxWidth, f.Intake.MaxWidth)
	setInt(&c.JPEGQuality, f.Intake.JPEGQuality)
	errs = append(errs,
		setBytes(&c.MaxAssetBytes, "intake.max_asset_bytes", f.Intake.MaxAssetBytes),
		setBytes(&c.MaxBatchBytes, "intake.max_batch_bytes", f.Intake.MaxBatchBytes),
		setBytes(&c.MaxRawBytes, "intake.max_raw_bytes", f.Intake.MaxRawBytes),
	)
	setInt(&c.MaxFiles, f.Intake.MaxFiles)
	setInt(&c.Concurrency, f.Intake.Concurrency)

	setInt(&c.Port, f.Server.Port)
	errs = append(errs,
		setDuration(&c.SessionTTL, "server.session_ttl", f.Server.SessionTTL),
		setBytes(&c.MaxRequestBytes, "server.max_request_bytes", f.Server.MaxRequestBytes),
	)
	if len(f.Server.AllowedOrigins) > 0 {
		c.AllowedOrigins = f.Server.AllowedOrigins
	}

	setStr(&c.MediaBucket, f.Storage.MediaBucket)
	setStr(&c.MailFrom, f.Mail.From)
	setStr(&c.ResendAPIKeyParam, f.Mail.ResendKeyParam)
	return errs
}

func (c *Config) applyEnv() []error {
	var errs []error
	setStr(&c.UpstreamURL, os.Getenv("EXAMINER_API_URL"))
	setStr(&c.Endpoints.Single, os.Getenv("EXAMINER_SINGLE_PATH"))
	setStr(&c.Endpoints.Batch, os.Getenv("EXAMINER_BATCH_PATH"))
	errs = append(errs, setDuration(&c.UpstreamTimeout, "EXAMINER_UPSTREAM_TIMEOUT", os.Getenv("EXAMINER_UPSTREAM_TIMEOUT")))

	errs = append(errs,
		envInt(&c.MaxWidth, "EXAMINER_MAX_WIDTH"),
		envInt(&c.JPEGQuality, "EXAMINER_JPEG_QUALITY"),
		setBytes(&c.MaxAssetBytes, "EXAMINER_MAX_ASSET_BYTES", os.Getenv("EXAMINER_MAX_ASSET_BYTES")),
		setBytes(&c.MaxBatchBytes, "EXAMINER_MAX_BATCH_BYTES", os.Getenv("EXAMINER_MAX_BATCH_BYTES")),
		setBytes(&c.MaxRawBytes, "EXAMINER_MAX_RAW_BYTES", os.Getenv("EXAMINER_MAX_RAW_BYTES")),
		envInt(&c.MaxFiles, "EXAMINER_MAX_FILES"),
		envInt(&c.Concurrency, "EXAMINER_CONCURRENCY"),
		envInt(&c.Port, "PORT"),
		setDuration(&c.SessionTTL, "EXAMINER_SESSION_TTL", os.Getenv("EXAMINER_SESSION_TTL")),
		setBytes(&c.MaxRequestBytes, "EXAMINER_MAX_REQUEST_BYTES", os.Getenv("EXAMINER_MAX_REQUEST_BYTES")),
	)
	if v := os.Getenv("EXAMINER_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitCSV(v)
	}

	setStr(&c.MediaBucket, os.Getenv("MEDIA_BUCKET_NAME"))
	setStr(&c.MailFrom, os.Getenv("EXAMINER_MAIL_FROM"))
	setStr(&c.ResendAPIKey, os.Getenv("RESEND_API_KEY"))
	setStr(&c.ResendAPIKeyParam, os.Getenv("EXAMINER_RESEND_KEY_PARAM"))
	return errs
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream url %q must be an absolute http(s) URL", c.UpstreamURL))
	}
	if !strings.HasPrefix(c.Endpoints.Single, "/") || !strings.HasPrefix(c.Endpoints.Batch, "/") {
		errs = append(errs, fmt.Errorf("endpoint paths must start with /: single=%q batch=%q", c.Endpoints.Single, c.Endpoints.Batch))
	}
	if c.UpstreamTimeout < MinUpstreamTimeout || c.UpstreamTimeout > MaxUpstreamTimeout {
		errs = append(errs, fmt.Errorf("upstream timeout %s outside %s..%s", c.UpstreamTimeout, MinUpstreamTimeout, MaxUpstreamTimeout))
	}
	if c.MaxWidth < 1 {
		errs = append(errs, fmt.Errorf("max width %d must be positive", c.MaxWidth))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d outside 1..100", c.JPEGQuality))
	}
	if c.MaxAssetBytes <= 0 || c.MaxBatchBytes <= 0 || c.MaxRawBytes <= 0 {
		errs = append(errs, errors.New("byte limits must be positive"))
	} else if c.MaxAssetBytes > c.MaxBatchBytes {
		errs = append(errs, fmt.Errorf("max asset bytes %s exceeds max batch bytes %s",
			humanize.IBytes(uint64(c.MaxAssetBytes)), humanize.IBytes(uint64(c.MaxBatchBytes))))
	}
	if c.MaxFiles < 1 {
		errs = append(errs, fmt.Errorf("max files %d must be positive", c.MaxFiles))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency %d must be positive", c.Concurrency))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d outside 1..65535", c.Port))
	}
	return errors.Join(errs...)
}

// Policy returns the Normalizer policy derived from the configuration.
func (c Config) Policy() intake.Policy {
	p := intake.DefaultPolicy()
	p.MaxWidth = c.MaxWidth
	p.Quality = c.JPEGQuality
	p.MaxAssetBytes = c.MaxAssetBytes
	p.MaxRawBytes = c.MaxRawBytes
	return p
}

// Validator returns the batch Validator derived from the configuration.
func (c Config) Validator() *intake.Validator {
	return intake.NewValidator(c.MaxAssetBytes, c.MaxBatchBytes, c.MaxFiles)
}

func setStr(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func envInt(dst *int, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, raw)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds, matching the maxDuration convention of
		// serverless hosts.
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return fmt.Errorf("%s: %q is not a duration", name, raw)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	return nil
}

// setBytes accepts plain byte counts or humanized sizes such as "5MiB".
func setBytes(dst *int64, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("%s: %q is not a byte size", name, raw)
	}
	*dst = int64(n)
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
