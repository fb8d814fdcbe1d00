// Package pipeline runs one submission end to end: normalize, validate,
// build, forward, store.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/metrics"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
)

// Evaluator forwards a built request upstream. *evaluator.Client implements it.
type Evaluator interface {
	Submit(ctx context.Context, req *submission.Request) (*evaluator.Result, error)
}

// Pipeline wires the stages together. All fields are required.
type Pipeline struct {
	Normalizer *intake.Normalizer
	Validator  *intake.Validator
	Endpoints  submission.Endpoints
	Evaluator  Evaluator
}

// Input is one user submission.
type Input struct {
	Mode   submission.Mode
	Text   string
	Assets []intake.RawAsset
}

// Outcome is a successful submission.
type Outcome struct {
	Mode   submission.Mode
	Result *evaluator.Result
	// Rejected lists pages dropped from a multi-image batch, by input index.
	Rejected []intake.Rejection
	// Pages is the number of pages sent upstream.
	Pages int
}

// RejectedError is returned when a submission fails after some pages were
// already rejected, so the caller can report both.
type RejectedError struct {
	Err      error
	Rejected []intake.Rejection
}

func (e *RejectedError) Error() string { return e.Err.Error() }
func (e *RejectedError) Unwrap() error { return e.Err }

// Submit runs in under sess. The mode is read once, here, and the result is
// stored under that mode no matter what the caller switches to meanwhile.
func (p *Pipeline) Submit(ctx context.Context, sess *session.Session, in Input) (*Outcome, error) {
	mode := in.Mode
	if !mode.Valid() {
		return nil, evalerr.New(evalerr.KindInternal, fmt.Sprintf("unknown input mode %d", int(mode)))
	}

	release, ok := sess.Begin(mode)
	if !ok {
		return nil, evalerr.New(evalerr.KindInFlight,
			fmt.Sprintf("A %s submission is already in progress.", mode))
	}
	defer release()

	payload, rejected, err := p.prepare(ctx, mode, in)
	if err != nil {
		log.Info().Str("sessionId", sess.ID).Str("mode", mode.String()).
			Str("kind", evalerr.KindOf(err).String()).Int("rejected", len(rejected)).
			Msg("Submission stopped before upload")
		if len(rejected) > 0 {
			return nil, &RejectedError{Err: err, Rejected: rejected}
		}
		return nil, err
	}

	req, err := submission.Build(mode, payload, p.Endpoints)
	if err != nil {
		return nil, err
	}

	result, err := p.Evaluator.Submit(ctx, req)
	if err != nil {
		if len(rejected) > 0 {
			return nil, &RejectedError{Err: err, Rejected: rejected}
		}
		return nil, err
	}

	sess.Results.Set(mode, result)
	log.Info().
		Str("sessionId", sess.ID).
		Str("mode", mode.String()).
		Int("pages", len(req.Assets())).
		Int("rejected", len(rejected)).
		Float64("overallBand", result.Score.OverallBand).
		Msg("Evaluation stored")

	return &Outcome{
		Mode:     mode,
		Result:   result,
		Rejected: rejected,
		Pages:    len(req.Assets()),
	}, nil
}

// prepare turns the input for mode into a Payload, running the image stages
// where the mode needs them.
func (p *Pipeline) prepare(ctx context.Context, mode submission.Mode, in Input) (submission.Payload, []intake.Rejection, error) {
	switch mode {
	case submission.ModeText:
		return submission.Payload{Text: in.Text}, nil, nil

	case submission.ModeSingleImage:
		if len(in.Assets) == 0 {
			return submission.Payload{}, nil, evalerr.New(evalerr.KindMissingInput, "Please provide an image of your essay.")
		}
		if len(in.Assets) > 1 {
			return submission.Payload{}, nil, evalerr.New(evalerr.KindMissingInput,
				fmt.Sprintf("Single-image mode takes exactly one image, got %d.", len(in.Assets)))
		}
		start := time.Now()
		asset, err := p.Normalizer.Normalize(ctx, in.Assets[0])
		if err != nil {
			metrics.RecordIntake(mode.String(), 0, 1, 0, time.Since(start))
			return submission.Payload{}, nil, err
		}
		// The per-asset ceiling applies to single submissions too.
		if _, _, err := p.Validator.Validate([]*intake.NormalizedAsset{asset}); err != nil {
			metrics.RecordIntake(mode.String(), 0, 1, 0, time.Since(start))
			return submission.Payload{}, nil, evalerr.ForAsset(evalerr.KindOversizeAsset, asset.Name(),
				fmt.Sprintf("%s is too large after compression.", asset.Name()), err)
		}
		metrics.RecordIntake(mode.String(), 1, 0, asset.Len(), time.Since(start))
		return submission.Payload{Asset: asset}, nil, nil

	case submission.ModeMultiImage:
		if len(in.Assets) == 0 {
			return submission.Payload{}, nil, evalerr.New(evalerr.KindMissingInput, "Please provide at least one image.")
		}
		start := time.Now()
		normalized, rejected := p.Normalizer.NormalizeAll(ctx, in.Assets)
		batch, invalid, err := p.Validator.Validate(normalized)
		rejected = mergeRejections(rejected, invalid)

		var accepted int
		var total int64
		if batch != nil {
			accepted, total = batch.Len(), batch.TotalBytes()
		}
		metrics.RecordIntake(mode.String(), accepted, len(rejected), total, time.Since(start))

		if err != nil {
			return submission.Payload{}, rejected, err
		}
		return submission.Payload{Batch: batch}, rejected, nil

	default:
		return submission.Payload{}, nil, evalerr.New(evalerr.KindInternal, fmt.Sprintf("unknown input mode %s", mode))
	}
}

func mergeRejections(a, b []intake.Rejection) []intake.Rejection {
	out := append(slices.Clone(a), b...)
	slices.SortStableFunc(out, func(x, y intake.Rejection) int { return x.Index - y.Index })
	return out
}
