// Package intake turns user-supplied images into policy-compliant page assets.
//
// It has two stages:
//   - Normalizer: decodes any supported container (camera-native HEIC/HEIF is
//     converted through ffmpeg first), applies EXIF orientation, bounds the width
//     and always re-encodes as JPEG at a fixed quality.
//   - Validator: enforces the per-asset and aggregate size ceilings on a batch,
//     preserving the order pages were supplied in.
package intake

import (
	"bytes"

	"github.com/fpang/ielts-examiner/internal/evalerr"
)

// CanonicalMediaType is the encoding of every NormalizedAsset.
const CanonicalMediaType = "image/jpeg"

// RawAsset is an image exactly as the user supplied it (camera, gallery or
// file picker). MediaType is the declared type and may be empty or wrong.
type RawAsset struct {
	Name      string
	MediaType string
	Data      []byte
}

// Len returns the byte length of the raw data.
func (a RawAsset) Len() int64 {
	return int64(len(a.Data))
}

// NormalizedAsset is a JPEG page bounded in width and byte size.
// It is immutable; only the Normalizer creates one.
type NormalizedAsset struct {
	name   string
	data   []byte
	width  int
	height int
	index  int
}

// Name returns the original file name of the asset.
func (a *NormalizedAsset) Name() string { return a.name }

// MediaType always returns CanonicalMediaType.
func (a *NormalizedAsset) MediaType() string { return CanonicalMediaType }

// Len returns the encoded byte length.
func (a *NormalizedAsset) Len() int64 { return int64(len(a.data)) }

// Width returns the pixel width after normalization.
func (a *NormalizedAsset) Width() int { return a.width }

// Height returns the pixel height after normalization.
func (a *NormalizedAsset) Height() int { return a.height }

// Index returns the position of the asset in the input it was normalized from.
func (a *NormalizedAsset) Index() int { return a.index }

// Reader returns a read-only view over the encoded bytes.
func (a *NormalizedAsset) Reader() *bytes.Reader { return bytes.NewReader(a.data) }

// Bytes returns a copy of the encoded bytes.
func (a *NormalizedAsset) Bytes() []byte { return bytes.Clone(a.data) }

// Rejection records why an asset was excluded from a batch.
type Rejection struct {
	Index   int          `json:"index"`
	Name    string       `json:"name"`
	Reason  evalerr.Kind `json:"reason"`
	Message string       `json:"message"`
}

// AssetBatch is an ordered, size-checked set of pages.
type AssetBatch struct {
	assets []*NormalizedAsset
	total  int64
}

// Assets returns the pages in submission order.
func (b *AssetBatch) Assets() []*NormalizedAsset {
	out := make([]*NormalizedAsset, len(b.assets))
	copy(out, b.assets)
	return out
}

// Len returns the number of pages.
func (b *AssetBatch) Len() int { return len(b.assets) }

// TotalBytes returns the aggregate encoded size of the pages.
func (b *AssetBatch) TotalBytes() int64 { return b.total }
