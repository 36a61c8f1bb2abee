package errs

import (
	"errors"
	"net/http"
)

// Kind classifies a core-level failure per spec.md §7.
type Kind string

const (
	KindClassification  Kind = "classification"   // never user-visible; absorbed
	KindNotFound        Kind = "not_found"         // fee engine or retrieval yielded nothing
	KindAmbiguous       Kind = "ambiguous"         // disambiguation required
	KindNoteDeferred    Kind = "note_deferred"     // response cites a referenced note
	KindUpstream        Kind = "upstream"          // retrieval or model-provider failure
	KindRateLimited     Kind = "rate_limited"      // canonical "temporarily unavailable"
	KindCancelled       Kind = "cancelled"         // client disconnected; no user-visible surface
	KindValidationFail  Kind = "validation_failed" // malformed request
	KindFXRateRequired  Kind = "fx_rate_required"  // currency conversion would be required
	KindDirectoryFailed Kind = "directory_failed"  // C4 error; never falls back
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// statusTable maps each Kind to its HTTP status code. Handlers must consult
// this table rather than switching on error message text.
var statusTable = map[Kind]int{
	KindClassification:  http.StatusInternalServerError,
	KindNotFound:        http.StatusNotFound,
	KindAmbiguous:       http.StatusConflict,
	KindNoteDeferred:    http.StatusOK,
	KindUpstream:        http.StatusBadGateway,
	KindRateLimited:     http.StatusTooManyRequests,
	KindCancelled:       0, // no user-visible surface
	KindValidationFail:  http.StatusBadRequest,
	KindFXRateRequired:  http.StatusUnprocessableEntity,
	KindDirectoryFailed: http.StatusBadGateway,
}

// HTTPStatus returns the status code for a Kind, defaulting to 500.
func HTTPStatus(k Kind) int {
	if code, ok := statusTable[k]; ok && code != 0 {
		return code
	}
	return http.StatusInternalServerError
}
