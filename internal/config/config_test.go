package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"EXAMINER_API_URL", "EXAMINER_SINGLE_PATH", "EXAMINER_BATCH_PATH", "EXAMINER_UPSTREAM_TIMEOUT",
		"EXAMINER_MAX_WIDTH", "EXAMINER_JPEG_QUALITY", "EXAMINER_MAX_ASSET_BYTES", "EXAMINER_MAX_BATCH_BYTES",
		"EXAMINER_MAX_RAW_BYTES", "EXAMINER_MAX_FILES", "EXAMINER_CONCURRENCY", "PORT", "EXAMINER_SESSION_TTL",
		"EXAMINER_MAX_REQUEST_BYTES", "EXAMINER_ALLOWED_ORIGINS", "MEDIA_BUCKET_NAME", "EXAMINER_MAIL_FROM",
		"RESEND_API_KEY", "EXAMINER_RESEND_KEY_PARAM",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpstreamURL != DefaultUpstreamURL {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.Endpoints.Single != "/api/py/evaluate" || cfg.Endpoints.Batch != "/api/py/evaluate-images" {
		t.Errorf("Endpoints = %+v", cfg.Endpoints)
	}
	if cfg.UpstreamTimeout != 60*time.Second {
		t.Errorf("UpstreamTimeout = %s", cfg.UpstreamTimeout)
	}
	if cfg.MaxAssetBytes != 5<<20 || cfg.MaxBatchBytes != 20<<20 || cfg.MaxFiles != 10 {
		t.Errorf("limits = %d/%d/%d", cfg.MaxAssetBytes, cfg.MaxBatchBytes, cfg.MaxFiles)
	}
	if cfg.Port != 8080 || cfg.SessionTTL != 2*time.Hour {
		t.Errorf("Port = %d SessionTTL = %s", cfg.Port, cfg.SessionTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "examiner.yaml")
	yaml := `
upstream:
  url: https://evaluator.internal
  timeout: 90s
intake:
  max_width: 1200
  max_asset_bytes: 4MiB
  max_files: 6
server:
  port: 9000
  allowed_origins: [https://examiner.example.com]
storage:
  media_bucket: pages-from-file
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXAMINER_UPSTREAM_TIMEOUT", "300")
	t.Setenv("EXAMINER_MAX_BATCH_BYTES", "12582912")
	t.Setenv("MEDIA_BUCKET_NAME", "pages-from-env")
	t.Setenv("EXAMINER_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.UpstreamURL != "https://evaluator.internal" {
		t.Errorf("UpstreamURL = %q, want file value", cfg.UpstreamURL)
	}
	if cfg.UpstreamTimeout != 300*time.Second {
		t.Errorf("UpstreamTimeout = %s, want env override 5m0s", cfg.UpstreamTimeout)
	}
	if cfg.MaxWidth != 1200 || cfg.MaxFiles != 6 || cfg.Port != 9000 {
		t.Errorf("file ints not applied: %d %d %d", cfg.MaxWidth, cfg.MaxFiles, cfg.Port)
	}
	if cfg.MaxAssetBytes != 4<<20 {
		t.Errorf("MaxAssetBytes = %d, want 4 MiB", cfg.MaxAssetBytes)
	}
	if cfg.MaxBatchBytes != 12<<20 {
		t.Errorf("MaxBatchBytes = %d, want 12 MiB", cfg.MaxBatchBytes)
	}
	if cfg.MediaBucket != "pages-from-env" {
		t.Errorf("MediaBucket = %q, want env override", cfg.MediaBucket)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}

	p := cfg.Policy()
	if p.MaxWidth != 1200 || p.MaxAssetBytes != 4<<20 {
		t.Errorf("Policy() = %+v", p)
	}
	if v := cfg.Validator(); v.MaxBatchBytes != 12<<20 || v.MaxFiles != 6 {
		t.Errorf("Validator() = %+v", v)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"budget too short", map[string]string{"EXAMINER_UPSTREAM_TIMEOUT": "500ms"}, "upstream timeout"},
		{"budget too long", map[string]string{"EXAMINER_UPSTREAM_TIMEOUT": "1h"}, "upstream timeout"},
		{"malformed duration", map[string]string{"EXAMINER_UPSTREAM_TIMEOUT": "soon"}, "not a duration"},
		{"relative upstream", map[string]string{"EXAMINER_API_URL": "localhost:3003"}, "absolute http(s) URL"},
		{"bad quality", map[string]string{"EXAMINER_JPEG_QUALITY": "150"}, "jpeg quality"},
		{"bad size", map[string]string{"EXAMINER_MAX_ASSET_BYTES": "lots"}, "not a byte size"},
		{"asset above batch", map[string]string{"EXAMINER_MAX_ASSET_BYTES": "30MiB"}, "exceeds max batch"},
		{"bad port", map[string]string{"PORT": "http"}, "not an integer"},
		{"path without slash", map[string]string{"EXAMINER_BATCH_PATH": "evaluate-images"}, "must start with /"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
