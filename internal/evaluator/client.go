// Package evaluator forwards assembled submissions to the upstream scoring
// service and maps every failure into an *evalerr.Error.
//
// The client never retries: a failed submission is terminal for that user
// action, and resubmitting is up to the user.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ielts-examiner/internal/evalerr"
	"github.com/fpang/ielts-examiner/internal/metrics"
	"github.com/fpang/ielts-examiner/internal/submission"
)

const (
	// DefaultBudget is the wall-clock limit for one evaluation call.
	DefaultBudget = 60 * time.Second

	// defaultMaxResponseBytes caps how much of an upstream body is read.
	defaultMaxResponseBytes = 4 << 20
)

// Client submits requests to the evaluator at baseURL.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	budget           time.Duration
	maxResponseBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client. Its own Timeout is left as is;
// the budget is enforced on the request context regardless.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBudget sets the execution budget for each Submit call.
func WithBudget(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithMaxResponseBytes caps the upstream body size that is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// NewClient creates a client for the evaluator at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient:       &http.Client{},
		baseURL:          strings.TrimRight(baseURL, "/"),
		budget:           DefaultBudget,
		maxResponseBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Budget returns the per-call execution budget.
func (c *Client) Budget() time.Duration {
	return c.budget
}

// Submit sends req and returns the parsed result. Every error is an
// *evalerr.Error of kind UpstreamTimeout, UpstreamHTTPError or
// UpstreamProtocolError (or Internal if req cannot be encoded).
func (c *Client) Submit(ctx context.Context, req *submission.Request) (*Result, error) {
	body, contentType, err := req.Encode()
	if err != nil {
		return nil, evalerr.Wrap(evalerr.KindInternal, "could not assemble the submission", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	call := metrics.UpstreamCall{
		Mode:         req.Mode().String(),
		Endpoint:     req.Endpoint(),
		RequestBytes: int64(len(body)),
		Pages:        len(req.Assets()),
	}
	start := time.Now()
	result, err := c.do(ctx, req.Endpoint(), body, contentType, &call)
	call.Duration = time.Since(start)
	call.Outcome = "ok"
	if err != nil {
		call.Outcome = evalerr.KindOf(err).String()
	}
	metrics.RecordUpstreamCall(call)

	logEvt := log.Info()
	if err != nil {
		logEvt = log.Warn().Err(err)
	}
	logEvt.
		Str("mode", call.Mode).
		Str("path", call.Endpoint).
		Int("statusCode", call.Status).
		Int("requestBytes", len(body)).
		Dur("duration", call.Duration).
		Str("outcome", call.Outcome).
		Msg("Evaluator call finished")

	return result, err
}

func (c *Client) do(ctx context.Context, endpoint string, body []byte, contentType string, call *metrics.UpstreamCall) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, evalerr.Wrap(evalerr.KindInternal, "could not build the evaluator request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	log.Debug().Str("method", http.MethodPost).Str("path", endpoint).Int("bytes", len(body)).Msg("Evaluator request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	call.Status = resp.StatusCode

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if readErr != nil && isTimeout(ctx, readErr) {
		return nil, timeoutError(readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if readErr != nil {
			data = nil
		}
		msg := errorMessage(resp, data)
		log.Warn().Int("statusCode", resp.StatusCode).Str("body", truncate(string(data), 300)).Msg("Evaluator returned an error status")
		return nil, evalerr.Upstream(resp.StatusCode, msg)
	}

	if readErr != nil {
		return nil, &evalerr.Error{
			Kind:    evalerr.KindUpstreamProtocol,
			Message: "The evaluation service response could not be read.",
			Status:  resp.StatusCode,
			Err:     readErr,
		}
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, &evalerr.Error{
			Kind:    evalerr.KindUpstreamProtocol,
			Message: fmt.Sprintf("The evaluation service response exceeds %d bytes.", c.maxResponseBytes),
			Status:  resp.StatusCode,
		}
	}

	result, err := ParseResult(data)
	if err != nil {
		log.Warn().Err(err).Str("body", truncate(string(data), 300)).Msg("Evaluator returned a malformed result")
		return nil, &evalerr.Error{
			Kind:    evalerr.KindUpstreamProtocol,
			Message: "The evaluation service returned an unreadable response.",
			Status:  resp.StatusCode,
			Err:     err,
		}
	}
	if result.Error != "" {
		return nil, &evalerr.Error{
			Kind:    evalerr.KindUpstreamProtocol,
			Message: result.Error,
			Status:  resp.StatusCode,
		}
	}
	return result, nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return timeoutError(err)
	}
	if errors.Is(err, context.Canceled) {
		return evalerr.Wrap(evalerr.KindInternal, "The submission was cancelled.", err)
	}
	return &evalerr.Error{
		Kind:    evalerr.KindUpstreamHTTP,
		Message: "Could not reach the evaluation service (network error).",
		Err:     err,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func timeoutError(err error) error {
	return &evalerr.Error{
		Kind:    evalerr.KindUpstreamTimeout,
		Message: "The evaluation took too long. Try again.",
		Err:     err,
	}
}

// errorMessage picks the message for a non-2xx response: a structured detail
// or error field, then the raw body exactly as sent, then the status phrase.
func errorMessage(resp *http.Response, body []byte) string {
	if msg := structuredMessage(body); msg != "" {
		return msg
	}
	if strings.TrimSpace(string(body)) != "" {
		return string(body)
	}
	return statusPhrase(resp)
}

func structuredMessage(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, field := range []json.RawMessage{payload.Detail, payload.Error} {
		if msg := rawMessage(field); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(payload.Message)
}

// rawMessage renders a detail value: strings as is, anything structured
// (FastAPI validation lists, for one) as compact JSON.
func rawMessage(field json.RawMessage) string {
	if len(field) == 0 || string(field) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(field, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, field); err != nil {
		return ""
	}
	return buf.String()
}

func statusPhrase(resp *http.Response) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if phrase == "" {
		phrase = http.StatusText(resp.StatusCode)
	}
	if phrase == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return phrase
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
