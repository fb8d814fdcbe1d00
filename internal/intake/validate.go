package intake

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evalerr"
)

// Validator enforces size policy on a set of normalized pages.
type Validator struct {
	MaxAssetBytes int64
	MaxBatchBytes int64
	// MaxFiles caps the number of accepted pages; zero means no cap.
	MaxFiles int
}

// NewValidator returns a Validator with the given ceilings.
func NewValidator(maxAssetBytes, maxBatchBytes int64, maxFiles int) *Validator {
	return &Validator{
		MaxAssetBytes: maxAssetBytes,
		MaxBatchBytes: maxBatchBytes,
		MaxFiles:      maxFiles,
	}
}

// Validate applies the per-asset ceiling first, dropping oversize members with
// a Rejection, then checks the remaining members against the aggregate ceiling.
//
// An aggregate violation fails the whole submission with OversizeBatch; the
// returned rejections are still populated so the caller can report them.
// Accepted members keep their relative input order.
func (v *Validator) Validate(assets []*NormalizedAsset) (*AssetBatch, []Rejection, error) {
	var (
		accepted []*NormalizedAsset
		rejected []Rejection
		total    int64
	)

	for pos, a := range assets {
		if a == nil {
			continue
		}
		if v.MaxAssetBytes > 0 && a.Len() > v.MaxAssetBytes {
			rejected = append(rejected, Rejection{
				Index:   indexOf(a, pos),
				Name:    a.Name(),
				Reason:  evalerr.KindOversizeAsset,
				Message: sizeMessage(a.Name(), a.Len(), v.MaxAssetBytes),
			})
			continue
		}
		accepted = append(accepted, a)
		total += a.Len()
	}

	if len(rejected) > 0 {
		log.Warn().
			Int("rejected", len(rejected)).
			Int("accepted", len(accepted)).
			Int64("max_asset_bytes", v.MaxAssetBytes).
			Msg("Oversize pages dropped from batch")
	}

	if len(accepted) == 0 {
		msg := "Please provide at least one image."
		if len(rejected) > 0 {
			msg = "None of the selected images could be used."
		}
		return nil, rejected, evalerr.New(evalerr.KindMissingInput, msg)
	}

	if v.MaxFiles > 0 && len(accepted) > v.MaxFiles {
		return nil, rejected, evalerr.New(evalerr.KindOversizeBatch,
			fmt.Sprintf("Too many images: %d selected, at most %d allowed.", len(accepted), v.MaxFiles))
	}

	if v.MaxBatchBytes > 0 && total > v.MaxBatchBytes {
		log.Warn().
			Int("pages", len(accepted)).
			Int64("total_bytes", total).
			Int64("max_batch_bytes", v.MaxBatchBytes).
			Msg("Batch exceeds aggregate ceiling")
		return nil, rejected, evalerr.New(evalerr.KindOversizeBatch,
			fmt.Sprintf("The selected images total %s, larger than the %s limit.",
				humanize.IBytes(uint64(total)), humanize.IBytes(uint64(v.MaxBatchBytes))))
	}

	return &AssetBatch{assets: accepted, total: total}, rejected, nil
}

// indexOf returns the input index of a. NormalizeAll output is a subsequence
// of its input, so the recorded index is never below the slice position;
// assets built without an index fall back to their position.
func indexOf(a *NormalizedAsset, pos int) int {
	return max(a.index, pos)
}
