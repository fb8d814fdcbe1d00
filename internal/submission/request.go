package submission

import (
	"fmt"
	"strings"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/intake"
)

// Endpoints holds the evaluator paths, relative to its base URL.
type Endpoints struct {
	// Single accepts essay_text or one file.
	Single string `yaml:"single"`
	// Batch accepts repeated files and merges them in order.
	Batch string `yaml:"batch"`
}

// DefaultEndpoints returns the paths the evaluator serves by default.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Single: "/api/py/evaluate",
		Batch:  "/api/py/evaluate-images",
	}
}

// For returns the endpoint for mode. Text and single-image share Single; they
// differ only in the payload field name.
func (e Endpoints) For(mode Mode) (string, error) {
	switch mode {
	case ModeText, ModeSingleImage:
		return e.Single, nil
	case ModeMultiImage:
		return e.Batch, nil
	default:
		return "", evalerr.New(evalerr.KindInternal, fmt.Sprintf("no endpoint for %s", mode))
	}
}

// Payload carries the input for one mode. Only the field matching the mode
// is read.
type Payload struct {
	Text  string
	Asset *intake.NormalizedAsset
	Batch *intake.AssetBatch
}

// Request is a fully assembled submission: exactly one of text, asset or
// batch is set, matching mode.
type Request struct {
	mode     Mode
	endpoint string
	text     string
	asset    *intake.NormalizedAsset
	batch    *intake.AssetBatch
}

// Build assembles the Request for mode. It performs no I/O.
func Build(mode Mode, p Payload, endpoints Endpoints) (*Request, error) {
	endpoint, err := endpoints.For(mode)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, evalerr.New(evalerr.KindInternal, fmt.Sprintf("endpoint for %s is not configured", mode))
	}

	req := &Request{mode: mode, endpoint: endpoint}
	switch mode {
	case ModeText:
		text := strings.TrimSpace(p.Text)
		if text == "" {
			return nil, evalerr.New(evalerr.KindMissingInput, "Please provide either text or an image.")
		}
		req.text = text
	case ModeSingleImage:
		if p.Asset == nil {
			return nil, evalerr.New(evalerr.KindMissingInput, "Please provide an image of your essay.")
		}
		req.asset = p.Asset
	case ModeMultiImage:
		if p.Batch == nil || p.Batch.Len() == 0 {
			return nil, evalerr.New(evalerr.KindMissingInput, "Please provide at least one image.")
		}
		req.batch = p.Batch
	}
	return req, nil
}

// Mode returns the mode the request was built for.
func (r *Request) Mode() Mode { return r.mode }

// Endpoint returns the evaluator path the request targets.
func (r *Request) Endpoint() string { return r.endpoint }

// Text returns the trimmed essay text (text mode only).
func (r *Request) Text() string { return r.text }

// Assets returns the pages carried by the request, in submission order.
func (r *Request) Assets() []*intake.NormalizedAsset {
	switch {
	case r.asset != nil:
		return []*intake.NormalizedAsset{r.asset}
	case r.batch != nil:
		return r.batch.Assets()
	default:
		return nil
	}
}

// PayloadBytes returns the size of the payload before multipart framing.
func (r *Request) PayloadBytes() int64 {
	if r.mode == ModeText {
		return int64(len(r.text))
	}
	var n int64
	for _, a := range r.Assets() {
		n += a.Len()
	}
	return n
}
