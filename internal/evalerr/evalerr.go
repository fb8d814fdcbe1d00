// Package evalerr defines the closed set of failures a submission can end in.
//
// Every component boundary in the pipeline classifies its failures into an *Error
// so callers branch on Kind rather than parsing message text. Surfaces (HTTP, CLI,
// MCP) turn an error into exactly one human-readable string with Message.
package evalerr

import (
	"context"
	"errors"
	"net/http"
)

// Kind categorizes a submission failure.
type Kind int

const (
	// KindInternal is an unexpected failure that fits no other kind.
	KindInternal Kind = iota
	// KindMissingInput means the active mode has no usable payload.
	KindMissingInput
	// KindAssetDecode means an image container could not be read.
	KindAssetDecode
	// KindOversizeAsset means a single asset exceeds the per-asset ceiling.
	KindOversizeAsset
	// KindOversizeBatch means the accepted assets together exceed the batch ceiling.
	KindOversizeBatch
	// KindUpstreamTimeout means the evaluator did not answer within the budget.
	KindUpstreamTimeout
	// KindUpstreamHTTP means the evaluator answered with a non-success status
	// or could not be reached.
	KindUpstreamHTTP
	// KindUpstreamProtocol means the evaluator answered 2xx with a body that
	// is not a valid evaluation result.
	KindUpstreamProtocol
	// KindInFlight means a submission for the same mode is still running.
	KindInFlight
)

var kindNames = map[Kind]string{
	KindInternal:         "Internal",
	KindMissingInput:     "MissingInput",
	KindAssetDecode:      "AssetDecodeError",
	KindOversizeAsset:    "OversizeAsset",
	KindOversizeBatch:    "OversizeBatch",
	KindUpstreamTimeout:  "UpstreamTimeout",
	KindUpstreamHTTP:     "UpstreamHTTPError",
	KindUpstreamProtocol: "UpstreamProtocolError",
	KindInFlight:         "SubmissionInFlight",
}

// String returns the wire name of the kind, e.g. "OversizeAsset".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Internal"
}

// MarshalText lets a Kind appear as its name in JSON and structured logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name. Unknown names decode as KindInternal.
func (k *Kind) UnmarshalText(b []byte) error {
	*k = KindInternal
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			break
		}
	}
	return nil
}

// Error is a classified submission failure.
type Error struct {
	Kind    Kind
	Message string
	// Asset names the offending asset for per-asset failures.
	Asset string
	// Status is the upstream HTTP status for KindUpstreamHTTP (0 when the
	// evaluator could not be reached).
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// ForAsset creates a per-asset Error.
func ForAsset(kind Kind, asset, message string, err error) *Error {
	return &Error{Kind: kind, Asset: asset, Message: message, Err: err}
}

// Upstream creates a KindUpstreamHTTP Error carrying the upstream status.
func Upstream(status int, message string) *Error {
	return &Error{Kind: KindUpstreamHTTP, Status: status, Message: message}
}

// KindOf extracts the Kind of err. Context deadlines classify as
// KindUpstreamTimeout; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the single human-readable string shown to the user.
// For classified errors that is the Message field alone, so internal wrapping
// never leaks into user-facing text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return humanMessages[e.Kind]
	}
	return humanMessages[KindOf(err)]
}

var humanMessages = map[Kind]string{
	KindInternal:         "An unexpected error occurred. Try again.",
	KindMissingInput:     "Please provide either text or an image.",
	KindAssetDecode:      "That image could not be read.",
	KindOversizeAsset:    "That image is too large.",
	KindOversizeBatch:    "The selected images are too large together.",
	KindUpstreamTimeout:  "The evaluation took too long. Try again.",
	KindUpstreamHTTP:     "The evaluation service returned an error.",
	KindUpstreamProtocol: "The evaluation service returned an unreadable response.",
	KindInFlight:         "A submission is already in progress.",
}

// HTTPStatus maps a kind to the status code the HTTP surface responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMissingInput, KindAssetDecode:
		return http.StatusBadRequest
	case KindOversizeAsset, KindOversizeBatch:
		return http.StatusRequestEntityTooLarge
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamHTTP, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindInFlight:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor returns the HTTP status for err. Upstream 4xx statuses are passed
// through so a client error the evaluator reports stays a client error.
func StatusFor(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindUpstreamHTTP && e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return HTTPStatus(KindOf(err))
}
