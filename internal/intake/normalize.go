package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/ielts-examiner/internal/evalerr"
)

// Policy bounds what the Normalizer produces.
type Policy struct {
	// MaxWidth is the widest page, in pixels, after normalization.
	MaxWidth int
	// Quality is the fixed JPEG quality every page is re-encoded at.
	Quality int
	// MaxAssetBytes is the per-asset ceiling on the encoded output.
	MaxAssetBytes int64
	// MaxRawBytes rejects uploads before they are decoded.
	MaxRawBytes int64
	// MaxPixels rejects images whose header declares more pixels than this.
	MaxPixels int
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxWidth:      1600,
		Quality:       80,
		MaxAssetBytes: 5 << 20,
		MaxRawBytes:   50 << 20,
		MaxPixels:     64_000_000,
	}
}

// Normalizer converts RawAssets into NormalizedAssets.
type Normalizer struct {
	policy      Policy
	converter   Converter
	concurrency int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithConverter replaces the ffmpeg converter used for camera-native containers.
func WithConverter(c Converter) Option {
	return func(n *Normalizer) { n.converter = c }
}

// WithConcurrency bounds how many assets NormalizeAll decodes at once.
func WithConcurrency(limit int) Option {
	return func(n *Normalizer) {
		if limit > 0 {
			n.concurrency = limit
		}
	}
}

// NewNormalizer creates a Normalizer enforcing policy.
func NewNormalizer(policy Policy, opts ...Option) *Normalizer {
	def := DefaultPolicy()
	if policy.MaxWidth <= 0 {
		policy.MaxWidth = def.MaxWidth
	}
	if policy.Quality <= 0 || policy.Quality > 100 {
		policy.Quality = def.Quality
	}
	if policy.MaxAssetBytes <= 0 {
		policy.MaxAssetBytes = def.MaxAssetBytes
	}
	if policy.MaxRawBytes <= 0 {
		policy.MaxRawBytes = def.MaxRawBytes
	}
	if policy.MaxPixels <= 0 {
		policy.MaxPixels = def.MaxPixels
	}

	n := &Normalizer{
		policy:      policy,
		converter:   FFmpegConverter{MaxPixels: policy.MaxPixels},
		concurrency: min(4, runtime.NumCPU()),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Policy returns the effective policy.
func (n *Normalizer) Policy() Policy {
	return n.policy
}

// Normalize converts one asset. Failures are always *evalerr.Error with kind
// AssetDecodeError or OversizeAsset; a panicking decoder is recovered into
// AssetDecodeError rather than crashing the caller.
func (n *Normalizer) Normalize(ctx context.Context, raw RawAsset) (out *NormalizedAsset, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("file", raw.Name).Msg("Image decoder panicked")
			out = nil
			err = evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
				fmt.Sprintf("%s could not be decoded", displayName(raw.Name)), fmt.Errorf("decoder panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, evalerr.Wrap(evalerr.KindInternal, "normalization cancelled", err)
	}
	if len(raw.Data) == 0 {
		return nil, evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
			fmt.Sprintf("%s is empty", displayName(raw.Name)), nil)
	}
	if raw.Len() > n.policy.MaxRawBytes {
		return nil, evalerr.ForAsset(evalerr.KindOversizeAsset, raw.Name,
			sizeMessage(raw.Name, raw.Len(), n.policy.MaxRawBytes), nil)
	}

	img, orientation, method, err := n.decode(ctx, raw)
	if err != nil {
		return nil, err
	}

	canvas := n.resample(img, orientation)
	canvas = orient(canvas, orientation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: n.policy.Quality}); err != nil {
		return nil, evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
			fmt.Sprintf("%s could not be re-encoded", displayName(raw.Name)), err)
	}

	if int64(buf.Len()) > n.policy.MaxAssetBytes {
		return nil, evalerr.ForAsset(evalerr.KindOversizeAsset, raw.Name,
			sizeMessage(raw.Name, int64(buf.Len()), n.policy.MaxAssetBytes), nil)
	}

	b := canvas.Bounds()
	log.Debug().
		Str("file", raw.Name).
		Str("method", method).
		Int64("input_size", raw.Len()).
		Int("orig_width", img.Bounds().Dx()).
		Int("orig_height", img.Bounds().Dy()).
		Int("new_width", b.Dx()).
		Int("new_height", b.Dy()).
		Int("output_size", buf.Len()).
		Msg("Page normalized")

	return &NormalizedAsset{
		name:   raw.Name,
		data:   buf.Bytes(),
		width:  b.Dx(),
		height: b.Dy(),
	}, nil
}

// decode returns the raster image, the EXIF orientation still to apply, and
// the decode method for logging.
func (n *Normalizer) decode(ctx context.Context, raw RawAsset) (image.Image, int, string, error) {
	if IsCameraNative(raw) {
		img, err := n.converter.ToRaster(ctx, raw.Data, raw.Name)
		if errors.Is(err, ErrFrameTooLarge) {
			return nil, 1, "", evalerr.ForAsset(evalerr.KindOversizeAsset, raw.Name,
				fmt.Sprintf("%s is larger than the %s pixel limit",
					displayName(raw.Name), humanize.Comma(int64(n.policy.MaxPixels))), err)
		}
		if err != nil {
			return nil, 1, "", evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
				fmt.Sprintf("%s could not be converted from HEIC/HEIF", displayName(raw.Name)), err)
		}
		b := img.Bounds()
		if err := n.checkPixels(raw.Name, b.Dx(), b.Dy()); err != nil {
			return nil, 1, "", err
		}
		return img, 1, "convert", nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, 1, "", evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
			fmt.Sprintf("%s is not a supported image", displayName(raw.Name)), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, 1, "", evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
			fmt.Sprintf("%s has no pixels", displayName(raw.Name)), nil)
	}
	if err := n.checkPixels(raw.Name, cfg.Width, cfg.Height); err != nil {
		return nil, 1, "", err
	}

	img, _, err := image.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, 1, "", evalerr.ForAsset(evalerr.KindAssetDecode, raw.Name,
			fmt.Sprintf("%s could not be decoded", displayName(raw.Name)), err)
	}

	orientation := 1
	switch format {
	case "jpeg", "tiff", "webp":
		orientation = exifOrientation(raw.Data, raw.Name)
	}
	return img, orientation, "pure-go", nil
}

func (n *Normalizer) checkPixels(name string, w, h int) error {
	if w*h <= n.policy.MaxPixels {
		return nil
	}
	return evalerr.ForAsset(evalerr.KindOversizeAsset, name,
		fmt.Sprintf("%s is %dx%d pixels, larger than the %s pixel limit",
			displayName(name), w, h, humanize.Comma(int64(n.policy.MaxPixels))), nil)
}

// resample flattens img onto white and scales it so that, once orientation is
// applied, the displayed width is at most MaxWidth. Aspect ratio is preserved.
func (n *Normalizer) resample(img image.Image, orientation int) *image.RGBA {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()

	displayedWidth := w
	if swapsAxes(orientation) {
		displayedWidth = h
	}

	newW, newH := w, h
	if displayedWidth > n.policy.MaxWidth {
		scale := float64(n.policy.MaxWidth) / float64(displayedWidth)
		newW = max(1, int(float64(w)*scale+0.5))
		newH = max(1, int(float64(h)*scale+0.5))
		// Pin the displayed axis to exactly MaxWidth.
		if swapsAxes(orientation) {
			newH = n.policy.MaxWidth
		} else {
			newW = n.policy.MaxWidth
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if newW == w && newH == h {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	}
	return dst
}

// NormalizeAll normalizes assets with bounded parallelism. The returned assets
// are in input order regardless of completion order; failed inputs become
// Rejections carrying their input index.
func (n *Normalizer) NormalizeAll(ctx context.Context, raws []RawAsset) ([]*NormalizedAsset, []Rejection) {
	slots := make([]*NormalizedAsset, len(raws))
	errs := make([]error, len(raws))

	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, raw := range raws {
		g.Go(func() error {
			slots[i], errs[i] = n.Normalize(ctx, raw)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*NormalizedAsset, 0, len(raws))
	var rejected []Rejection
	for i := range raws {
		if errs[i] != nil {
			rejected = append(rejected, rejectionFor(i, raws[i].Name, errs[i]))
			continue
		}
		slots[i].index = i
		out = append(out, slots[i])
	}

	log.Debug().
		Int("inputs", len(raws)).
		Int("normalized", len(out)).
		Int("rejected", len(rejected)).
		Int("concurrency", n.concurrency).
		Msg("Batch normalization complete")

	return out, rejected
}

func rejectionFor(index int, name string, err error) Rejection {
	return Rejection{
		Index:   index,
		Name:    name,
		Reason:  evalerr.KindOf(err),
		Message: evalerr.Message(err),
	}
}

func sizeMessage(name string, size, limit int64) string {
	return fmt.Sprintf("%s is %s, larger than the %s limit",
		displayName(name), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit)))
}

func displayName(name string) string {
	if name == "" {
		return "image"
	}
	return name
}
