package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpang/ielts-examiner/internal/evaluator"
	"github.com/fpang/ielts-examiner/internal/intake"
	"github.com/fpang/ielts-examiner/internal/mailer"
	"github.com/fpang/ielts-examiner/internal/metrics"
	"github.com/fpang/ielts-examiner/internal/pipeline"
	"github.com/fpang/ielts-examiner/internal/session"
	"github.com/fpang/ielts-examiner/internal/submission"
	"github.com/fpang/ielts-examiner/internal/upload"
)

func TestMain(m *testing.M) {
	metrics.SetOutput(io.Discard)
	os.Exit(m.Run())
}

const resultBody = `{"topic":"Public transport","word_count":268,"score":{"overall_band":6.5,"task_response":6.5,"coherence_and_cohesion":7,"lexical_resource":6,"grammatical_range_and_accuracy":6.5},"feedback":{"task_response":"Position is clear."},"suggestions":["Vary sentence openings."],"original_essay":"..."}`

// upstream is a fake evaluator service.
type upstream struct {
	mu     sync.Mutex
	paths  []string
	files  []int
	status int
	body   string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, r.URL.Path)
	if err := r.ParseMultipartForm(32 << 20); err == nil {
		u.files = append(u.files, len(r.MultipartForm.File[submission.FieldFiles]))
	}
	status, body := u.status, u.body
	if status == 0 {
		status, body = http.StatusOK, resultBody
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (u *upstream) respond(status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status, u.body = status, body
}

func (u *upstream) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

type harness struct {
	handler  http.Handler
	upstream *upstream
	sessions *session.Manager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	up := &upstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	sessions := session.NewManager(time.Hour)
	opts.Sessions = sessions
	opts.Pipeline = &pipeline.Pipeline{
		Normalizer: intake.NewNormalizer(intake.DefaultPolicy(), intake.WithConcurrency(2)),
		Validator:  intake.NewValidator(5<<20, 20<<20, 10),
		Endpoints:  submission.DefaultEndpoints(),
		Evaluator:  evaluator.NewClient(srv.URL, evaluator.WithBudget(5*time.Second)),
	}
	return &harness{handler: New(opts), upstream: up, sessions: sessions}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type part struct {
	field, filename string
	data            []byte
}

func multipartRequest(t *testing.T, path string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			if err := mw.WriteField(p.field, string(p.data)); err != nil {
				t.Fatal(err)
			}
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(p.data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 300, 400))
	for i := range img.Pix {
		img.Pix[i] = 0xee
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (body: %s)", err, rec.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{Version: "1.2.3"})
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestEvaluateTextRelaysResultAndStoresIt(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(multipartRequest(t, "/api/evaluate", part{field: "essay_text", data: []byte("Cities should invest in buses.")}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != resultBody {
		t.Errorf("body was not relayed verbatim:\n got %s\nwant %s", rec.Body.String(), resultBody)
	}
	id := rec.Header().Get(HeaderSessionID)
	if id == "" {
		t.Fatal("missing X-Session-Id")
	}
	if got := h.upstream.calls(); len(got) != 1 || got[0] != "/api/py/evaluate" {
		t.Errorf("upstream calls = %v", got)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/results/text", nil)
	get.Header.Set(HeaderSessionID, id)
	stored := h.do(get)
	if stored.Code != http.StatusOK || stored.Body.String() != resultBody {
		t.Errorf("GET result = %d %s", stored.Code, stored.Body.String())
	}

	other := httptest.NewRequest(http.MethodGet, "/api/results/single-image", nil)
	other.Header.Set(HeaderSessionID, id)
	if rec := h.do(other); rec.Code != http.StatusNotFound {
		t.Errorf("GET single-image = %d, want 404", rec.Code)
	}
}

func TestEvaluateRequiresInput(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(multipartRequest(t, "/api/evaluate", part{field: "essay_text", data: []byte("   ")}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "Please provide either text or an image." || body.Kind.String() != "MissingInput" {
		t.Errorf("body = %+v", body)
	}
	if calls := h.upstream.calls(); len(calls) != 0 {
		t.Errorf("upstream called %v for empty input", calls)
	}
}

func TestEvaluateUpstreamFailureSurfacesRawText(t *testing.T) {
	h := newHarness(t, Options{})
	h.upstream.respond(http.StatusInternalServerError, "Internal Server Error: model crashed")

	rec := h.do(multipartRequest(t, "/api/evaluate", part{field: "essay_text", data: []byte("An essay.")}))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "Internal Server Error: model crashed" {
		t.Errorf("error = %q, want the raw upstream text", body.Error)
	}
	if body.Kind.String() != "UpstreamHTTPError" {
		t.Errorf("kind = %s, want UpstreamHTTPError", body.Kind)
	}
}

func TestEvaluateSingleImage(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(multipartRequest(t, "/api/evaluate", part{field: "file", filename: "page.png", data: pagePNG(t)}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := h.upstream.calls(); len(got) != 1 || got[0] != "/api/py/evaluate" {
		t.Errorf("upstream calls = %v", got)
	}
}

func TestEvaluateBatchReportsRejectedPages(t *testing.T) {
	h := newHarness(t, Options{})
	page := pagePNG(t)
	rec := h.do(multipartRequest(t, "/api/evaluate/batch",
		part{field: "files", filename: "p1.png", data: page},
		part{field: "files", filename: "p2.png", data: []byte("not an image")},
		part{field: "files", filename: "p3.png", data: page},
	))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderRejectedAssets); got != "1" {
		t.Errorf("%s = %q, want 1", HeaderRejectedAssets, got)
	}
	var body struct {
		Result   json.RawMessage    `json:"result"`
		Rejected []intake.Rejection `json:"rejected"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Rejected) != 1 || body.Rejected[0].Index != 1 || body.Rejected[0].Name != "p2.png" {
		t.Errorf("rejected = %+v", body.Rejected)
	}
	if string(body.Result) != resultBody {
		t.Errorf("result = %s", body.Result)
	}

	h.upstream.mu.Lock()
	defer h.upstream.mu.Unlock()
	if len(h.upstream.paths) != 1 || h.upstream.paths[0] != "/api/py/evaluate-images" {
		t.Errorf("upstream calls = %v", h.upstream.paths)
	}
	if len(h.upstream.files) != 1 || h.upstream.files[0] != 2 {
		t.Errorf("upstream received %v files, want 2", h.upstream.files)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	h := newHarness(t, Options{MaxRequestBytes: 1024})
	rec := h.do(multipartRequest(t, "/api/evaluate", part{field: "essay_text", data: bytes.Repeat([]byte("word "), 1000)}))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind.String() != "OversizeBatch" {
		t.Errorf("kind = %s", body.Kind)
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, Options{AllowedOrigins: []string{"https://examiner.example"}})

	tests := []struct {
		origin string
		want   string
	}{
		{"https://examiner.example", "https://examiner.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/evaluate", nil)
		req.Header.Set("Origin", tt.origin)
		rec := h.do(req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight from %s = %d, want 204", tt.origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("Allow-Origin for %s = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestResultRoutes(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.sessions.Create()
	res, err := evaluator.ParseResult([]byte(resultBody))
	if err != nil {
		t.Fatal(err)
	}
	sess.Results.Set(submission.ModeMultiImage, res)

	req := func(method, path string) *http.Request {
		r := httptest.NewRequest(method, path, nil)
		r.Header.Set(HeaderSessionID, sess.ID)
		return r
	}

	if rec := h.do(req(http.MethodGet, "/api/results/bogus")); rec.Code != http.StatusNotFound {
		t.Errorf("unknown mode = %d, want 404", rec.Code)
	}

	rec := h.do(req(http.MethodGet, "/api/results"))
	var all map[string]json.RawMessage
	json.NewDecoder(rec.Body).Decode(&all)
	if len(all) != 1 || string(all["multi-image"]) != resultBody {
		t.Errorf("GET /api/results = %v", all)
	}

	if rec := h.do(req(http.MethodDelete, "/api/results/multi-image")); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rec.Code)
	}
	if _, ok := sess.Results.Get(submission.ModeMultiImage); ok {
		t.Error("result still stored after DELETE")
	}

	if rec := h.do(req(http.MethodDelete, "/api/session")); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE session = %d", rec.Code)
	}
	if _, ok := h.sessions.Get(sess.ID); ok {
		t.Error("session still live after DELETE /api/session")
	}
}

type recordingSender struct {
	sent []mailer.Message
}

func (r *recordingSender) Send(_ context.Context, msg mailer.Message) (string, error) {
	r.sent = append(r.sent, msg)
	return fmt.Sprintf("msg-%d", len(r.sent)), nil
}

func TestSend(t *testing.T) {
	sender := &recordingSender{}
	h := newHarness(t, Options{Mailer: sender})
	sess := h.sessions.Create()
	res, _ := evaluator.ParseResult([]byte(resultBody))
	sess.Results.Set(submission.ModeText, res)

	body := fmt.Sprintf(`{"recipient":"student@example.com","subject":"Your band","mode":"text","sessionId":%q}`, sess.ID)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp mailer.Response
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Success || resp.ID != "msg-1" {
		t.Errorf("response = %+v", resp)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Content, "Public transport") {
		t.Errorf("sent = %+v", sender.sent)
	}

	missing := `{"recipient":"student@example.com","subject":"Your band","mode":"single-image","sessionId":"` + sess.ID + `"}`
	if rec := h.do(httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(missing))); rec.Code != http.StatusNotFound {
		t.Errorf("send without stored result = %d, want 404", rec.Code)
	}

	invalid := `{"recipient":"not-an-address","subject":"x","content":"<p>hi</p>"}`
	if rec := h.do(httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(invalid))); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid recipient = %d, want 400", rec.Code)
	}
}

func TestSendNotConfigured(t *testing.T) {
	h := newHarness(t, Options{})
	body := `{"recipient":"student@example.com","subject":"x","content":"<p>hi</p>"}`
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

// memoryStore is an in-memory upload.ObjectStore.
type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStore) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://uploads.example/" + key, nil
}

func (m *memoryStore) Fetch(_ context.Context, key string, maxBytes int64) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, "", upload.ErrNotFound
	}
	if int64(len(data)) > maxBytes {
		return nil, "", upload.ErrTooLarge
	}
	return data, "image/png", nil
}

func (m *memoryStore) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func TestUploadRoutesDisabledWithoutBucket(t *testing.T) {
	h := newHarness(t, Options{})
	if rec := h.do(httptest.NewRequest(http.MethodGet, "/api/upload-url?sessionId=x", nil)); rec.Code != http.StatusNotImplemented {
		t.Errorf("upload-url = %d, want 501", rec.Code)
	}
}

func TestUploadedEvaluation(t *testing.T) {
	const sid = "a1b2c3d4-e5f6-7890-abcd-ef1234567890"
	store := &memoryStore{objects: map[string][]byte{}}
	h := newHarness(t, Options{Uploads: upload.NewService(store, 50<<20, 10)})

	rec := h.do(httptest.NewRequest(http.MethodGet,
		"/api/upload-url?sessionId="+sid+"&filename=page1.png&contentType=image/png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload-url = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ticket upload.Ticket
	json.NewDecoder(rec.Body).Decode(&ticket)
	if ticket.Key != sid+"/page1.png" {
		t.Fatalf("key = %q", ticket.Key)
	}

	page := pagePNG(t)
	store.objects[ticket.Key] = page
	store.objects[sid+"/page2.png"] = page

	body := fmt.Sprintf(`{"sessionId":%q,"keys":[%q,%q]}`, sid, ticket.Key, sid+"/page2.png")
	rec = h.do(httptest.NewRequest(http.MethodPost, "/api/evaluate/uploaded", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate/uploaded = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderSessionID) != sid {
		t.Errorf("session = %q, want %q", rec.Header().Get(HeaderSessionID), sid)
	}
	if len(store.objects) != 0 {
		t.Errorf("uploaded pages not cleaned up: %d left", len(store.objects))
	}
	sess, ok := h.sessions.Get(sid)
	if !ok {
		t.Fatal("session not registered")
	}
	if _, ok := sess.Results.Get(submission.ModeMultiImage); !ok {
		t.Error("result not stored under multi-image")
	}

	missing := fmt.Sprintf(`{"sessionId":%q,"keys":[%q]}`, sid, sid+"/gone.png")
	rec = h.do(httptest.NewRequest(http.MethodPost, "/api/evaluate/uploaded", strings.NewReader(missing)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing key = %d, want 400", rec.Code)
	}
}
