package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/metrics"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
)

func TestMain(m *testing.M) {
	metrics.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// stubEvaluator records every request and answers with respond.
type stubEvaluator struct {
	mu      sync.Mutex
	calls   []*submission.Request
	respond func(*submission.Request) (*evaluator.Result, error)
}

func (s *stubEvaluator) Submit(ctx context.Context, req *submission.Request) (*evaluator.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		return bandResult(6.5), nil
	}
	return respond(req)
}

func (s *stubEvaluator) Calls() []*submission.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*submission.Request(nil), s.calls...)
}

func bandResult(band float64) *evaluator.Result {
	b := strconv.FormatFloat(band, 'f', -1, 64)
	r, err := evaluator.ParseResult([]byte(`{"topic":"Public transport","score":{"overall_band":` + b +
		`,"task_response":` + b + `,"coherence_and_cohesion":` + b + `,"lexical_resource":` + b +
		`,"grammatical_range_and_accuracy":` + b + `},"feedback":{},"suggestions":["Vary sentence openings."]}`))
	if err != nil {
		panic(err)
	}
	return r
}

func pngAsset(t *testing.T, name string, img image.Image) intake.RawAsset {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return intake.RawAsset{Name: name, MediaType: "image/png", Data: buf.Bytes()}
}

func flatPage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xf0
	}
	return img
}

func noisyPage(w, h int) image.Image {
	r := rand.New(rand.NewPCG(42, 43))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.IntN(256))
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

func newPipeline(stub Evaluator, policy intake.Policy, v *intake.Validator) *Pipeline {
	return &Pipeline{
		Normalizer: intake.NewNormalizer(policy, intake.WithConcurrency(2)),
		Validator:  v,
		Endpoints:  submission.DefaultEndpoints(),
		Evaluator:  stub,
	}
}

func defaultPipeline(stub Evaluator) *Pipeline {
	return newPipeline(stub, intake.DefaultPolicy(), intake.NewValidator(5<<20, 20<<20, 10))
}

func essay(minWords int) string {
	sentence := "The government should invest more in public transport because buses and trains reduce congestion and pollution in growing cities."
	var b strings.Builder
	for words := 0; words < minWords; words += len(strings.Fields(sentence)) {
		b.WriteString(sentence)
		b.WriteString(" ")
	}
	return b.String()
}

func TestSubmitTextStoresResultUnderText(t *testing.T) {
	stub := &stubEvaluator{}
	p := defaultPipeline(stub)
	sess := session.New()
	text := essay(250)

	out, err := p.Submit(context.Background(), sess, Input{Mode: submission.ModeText, Text: text})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	calls := stub.Calls()
	if len(calls) != 1 {
		t.Fatalf("evaluator calls = %d, want 1", len(calls))
	}
	if calls[0].Endpoint() != "/api/py/evaluate" {
		t.Errorf("endpoint = %q, want the single endpoint", calls[0].Endpoint())
	}
	if calls[0].Text() != strings.TrimSpace(text) {
		t.Error("essay_text was not the submitted essay")
	}
	body, _, err := calls[0].Encode()
	if err != nil || !bytes.Contains(body, []byte(`name="essay_text"`)) {
		t.Errorf("encoded request lacks essay_text field (err %v)", err)
	}

	stored, ok := sess.Results.Get(submission.ModeText)
	if !ok {
		t.Fatal("no result stored under text")
	}
	if stored != out.Result || stored.Score.OverallBand != 6.5 {
		t.Errorf("stored band = %v, want 6.5", stored.Score.OverallBand)
	}
	for _, m := range []submission.Mode{submission.ModeSingleImage, submission.ModeMultiImage} {
		if _, ok := sess.Results.Get(m); ok {
			t.Errorf("result leaked into %s", m)
		}
	}
}

func TestSubmitEmptyTextNeverCallsEvaluator(t *testing.T) {
	stub := &stubEvaluator{}
	p := defaultPipeline(stub)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := p.Submit(context.Background(), session.New(), Input{Mode: submission.ModeText, Text: text})
		if !evalerr.Is(err, evalerr.KindMissingInput) {
			t.Errorf("Submit(%q) kind = %v, want MissingInput", text, evalerr.KindOf(err))
		}
	}
	if n := len(stub.Calls()); n != 0 {
		t.Errorf("evaluator called %d times, want 0", n)
	}
}

func TestSubmitBatchDropsOversizePage(t *testing.T) {
	stub := &stubEvaluator{}
	// Small ceilings keep the test fast: the noisy page compresses far worse
	// than the flat ones and lands above the per-page ceiling.
	policy := intake.DefaultPolicy()
	policy.MaxAssetBytes = 64 << 10
	p := newPipeline(stub, policy, intake.NewValidator(64<<10, 256<<10, 10))
	sess := session.New()

	in := Input{
		Mode: submission.ModeMultiImage,
		Assets: []intake.RawAsset{
			pngAsset(t, "page1.png", flatPage(800, 1100)),
			pngAsset(t, "page2.png", noisyPage(600, 600)),
			pngAsset(t, "page3.png", flatPage(900, 1200)),
		},
	}

	out, err := p.Submit(context.Background(), sess, in)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(out.Rejected) != 1 {
		t.Fatalf("rejected = %+v, want one page", out.Rejected)
	}
	if r := out.Rejected[0]; r.Index != 1 || r.Reason != evalerr.KindOversizeAsset {
		t.Errorf("rejection = %+v, want index 1 OversizeAsset", r)
	}

	calls := stub.Calls()
	if len(calls) != 1 {
		t.Fatalf("evaluator calls = %d, want 1", len(calls))
	}
	if calls[0].Endpoint() != "/api/py/evaluate-images" {
		t.Errorf("endpoint = %q, want the batch endpoint", calls[0].Endpoint())
	}
	pages := calls[0].Assets()
	if len(pages) != 2 || pages[0].Name() != "page1.png" || pages[1].Name() != "page3.png" {
		t.Errorf("pages sent = %d, want page1.png then page3.png", len(pages))
	}
	if _, ok := sess.Results.Get(submission.ModeMultiImage); !ok {
		t.Error("no result stored under multi-image")
	}
}

func TestSubmitBatchOverAggregateFailsBeforeUpload(t *testing.T) {
	stub := &stubEvaluator{}
	p := newPipeline(stub, intake.DefaultPolicy(), intake.NewValidator(5<<20, 512, 10))

	_, err := p.Submit(context.Background(), session.New(), Input{
		Mode: submission.ModeMultiImage,
		Assets: []intake.RawAsset{
			pngAsset(t, "a.png", flatPage(400, 400)),
			pngAsset(t, "b.png", flatPage(400, 400)),
		},
	})
	if !evalerr.Is(err, evalerr.KindOversizeBatch) {
		t.Fatalf("kind = %v, want OversizeBatch", evalerr.KindOf(err))
	}
	if len(stub.Calls()) != 0 {
		t.Error("evaluator was called for an oversize batch")
	}
}

func TestSubmitBatchFailureCarriesRejections(t *testing.T) {
	stub := &stubEvaluator{respond: func(*submission.Request) (*evaluator.Result, error) {
		return nil, evalerr.Upstream(500, "boom")
	}}
	p := defaultPipeline(stub)

	_, err := p.Submit(context.Background(), session.New(), Input{
		Mode: submission.ModeMultiImage,
		Assets: []intake.RawAsset{
			{Name: "broken.jpg", Data: []byte("not an image")},
			pngAsset(t, "ok.png", flatPage(100, 100)),
		},
	})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %T %v, want *RejectedError", err, err)
	}
	if len(rej.Rejected) != 1 || rej.Rejected[0].Reason != evalerr.KindAssetDecode {
		t.Errorf("rejected = %+v", rej.Rejected)
	}
	if !evalerr.Is(err, evalerr.KindUpstreamHTTP) || evalerr.Message(err) != "boom" {
		t.Errorf("kind = %v message = %q", evalerr.KindOf(err), evalerr.Message(err))
	}
}

func TestSubmitSingleImage(t *testing.T) {
	stub := &stubEvaluator{}
	p := defaultPipeline(stub)
	sess := session.New()

	_, err := p.Submit(context.Background(), sess, Input{
		Mode:   submission.ModeSingleImage,
		Assets: []intake.RawAsset{pngAsset(t, "page.png", flatPage(2400, 3200))},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	calls := stub.Calls()
	if len(calls) != 1 || len(calls[0].Assets()) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if w := calls[0].Assets()[0].Width(); w != 1600 {
		t.Errorf("page width = %d, want 1600", w)
	}

	_, err = p.Submit(context.Background(), sess, Input{
		Mode:   submission.ModeSingleImage,
		Assets: []intake.RawAsset{{Name: "bad.png", Data: []byte{1, 2, 3}}},
	})
	if !evalerr.Is(err, evalerr.KindAssetDecode) {
		t.Errorf("corrupt single image kind = %v, want AssetDecodeError", evalerr.KindOf(err))
	}
	if len(stub.Calls()) != 1 {
		t.Error("evaluator called for an undecodable image")
	}
}

func TestSubmitResultStaysWithCapturedMode(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	stub := &stubEvaluator{respond: func(req *submission.Request) (*evaluator.Result, error) {
		if req.Mode() == submission.ModeText {
			close(started)
			<-unblock
			return bandResult(6.5), nil
		}
		return bandResult(8), nil
	}}
	p := defaultPipeline(stub)
	sess := session.New()

	active := submission.ModeText
	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), sess, Input{Mode: active, Text: essay(50)})
		done <- err
	}()

	<-started
	// The user switches to multi-image and submits there while text is pending.
	active = submission.ModeMultiImage
	if _, err := p.Submit(context.Background(), sess, Input{
		Mode:   active,
		Assets: []intake.RawAsset{pngAsset(t, "p.png", flatPage(50, 50))},
	}); err != nil {
		t.Fatalf("multi-image Submit() error = %v", err)
	}

	// A second text submission is refused while the first is in flight.
	_, err := p.Submit(context.Background(), sess, Input{Mode: submission.ModeText, Text: "another essay"})
	if !evalerr.Is(err, evalerr.KindInFlight) {
		t.Errorf("concurrent text Submit() kind = %v, want SubmissionInFlight", evalerr.KindOf(err))
	}

	close(unblock)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("text Submit() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("text submission never finished")
	}

	text, ok := sess.Results.Get(submission.ModeText)
	if !ok || text.Score.OverallBand != 6.5 {
		t.Errorf("text result = %v, want band 6.5", text)
	}
	multi, ok := sess.Results.Get(submission.ModeMultiImage)
	if !ok || multi.Score.OverallBand != 8 {
		t.Errorf("multi-image result = %v, want band 8", multi)
	}
}

func TestSubmitImageModesRequireAssets(t *testing.T) {
	p := defaultPipeline(&stubEvaluator{})
	for _, mode := range []submission.Mode{submission.ModeSingleImage, submission.ModeMultiImage} {
		_, err := p.Submit(context.Background(), session.New(), Input{Mode: mode, Text: "ignored"})
		if !evalerr.Is(err, evalerr.KindMissingInput) {
			t.Errorf("%s without images: kind = %v, want MissingInput", mode, evalerr.KindOf(err))
		}
	}
}

func TestMergeRejectionsSortsByIndex(t *testing.T) {
	got := mergeRejections(
		[]intake.Rejection{{Index: 4}, {Index: 1}},
		[]intake.Rejection{{Index: 2}},
	)
	for i, want := range []int{1, 2, 4} {
		if got[i].Index != want {
			t.Errorf("got[%d].Index = %d, want %d", i, got[i].Index, want)
		}
	}
}

