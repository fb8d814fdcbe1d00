package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ErrConverterUnavailable is returned when no conversion tool is installed.
var ErrConverterUnavailable = errors.New("ffmpeg not found: HEIC/HEIF conversion requires ffmpeg")

// Converter decodes a camera-native container into a raster image.
type Converter interface {
	ToRaster(ctx context.Context, data []byte, name string) (image.Image, error)
}

// FFmpegConverter converts HEIC/HEIF through a local ffmpeg process. No network
// access is involved. ffmpeg applies the container's rotation itself, so the
// result is already upright.
type FFmpegConverter struct {
	// Path to the ffmpeg binary; looked up on PATH when empty.
	Path string
	// MaxPixels refuses converted frames above this size before decoding
	// them. Zero means no limit.
	MaxPixels int
}

// ErrFrameTooLarge is returned when the converted frame exceeds MaxPixels.
var ErrFrameTooLarge = errors.New("converted frame exceeds the pixel limit")

// ToRaster writes data to a temp file, extracts the primary image as PNG and
// decodes it.
func (c FFmpegConverter) ToRaster(ctx context.Context, data []byte, name string) (image.Image, error) {
	ffmpegPath := c.Path
	if ffmpegPath == "" {
		p, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, ErrConverterUnavailable
		}
		ffmpegPath = p
	}

	dir, err := os.MkdirTemp("", "examiner-heic-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".heic"
	}
	inPath := filepath.Join(dir, "in"+ext)
	outPath := filepath.Join(dir, "out.png")
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	// -frames:v 1: HEIC stores a single primary image (grids are stitched by ffmpeg)
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", inPath,
		"-frames:v", "1",
		"-y", outPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn().
			Err(err).
			Str("output", truncate(string(output), 300)).
			Str("file", name).
			Msg("ffmpeg HEIC conversion failed")
		return nil, fmt.Errorf("ffmpeg conversion failed: %w", err)
	}

	frame, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted frame: %w", err)
	}
	if c.MaxPixels > 0 {
		cfg, err := png.DecodeConfig(bytes.NewReader(frame))
		if err != nil {
			return nil, fmt.Errorf("decode converted frame header: %w", err)
		}
		if cfg.Width*cfg.Height > c.MaxPixels {
			return nil, fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, cfg.Width, cfg.Height)
		}
	}

	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode converted frame: %w", err)
	}

	log.Debug().
		Str("file", name).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("Camera-native image converted (ffmpeg)")

	return img, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
