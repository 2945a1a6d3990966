package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error so callers can react without inspecting messages
type Kind string

const (
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream"
	KindProtocol    Kind = "protocol"
	KindNotFound    Kind = "not_found"
	KindEmptyResult Kind = "empty_result"
	KindInternal    Kind = "internal"
)

// HTTPStatus maps an error kind to the status code the request layer returns
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream, KindProtocol, KindEmptyResult:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error surfaced at component boundaries
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Attempts   int
	StatusCode int
	TaskID     string
	SceneID    string
	Changes    []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.SceneID != "" {
		fmt.Fprintf(&b, " (scene %s)", e.SceneID)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Details returns the structured fields safe to expose to API clients
func (e *Error) Details() map[string]interface{} {
	details := map[string]interface{}{}
	if e.Op != "" {
		details["op"] = e.Op
	}
	if e.Attempts > 0 {
		details["attempts"] = e.Attempts
	}
	if e.StatusCode > 0 {
		details["upstream_status"] = e.StatusCode
	}
	if e.TaskID != "" {
		details["task_id"] = e.TaskID
	}
	if e.SceneID != "" {
		details["scene_id"] = e.SceneID
	}
	if len(e.Changes) > 0 {
		details["changes"] = e.Changes
	}
	return details
}

// New creates an error of the given kind
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithScene re-surfaces err with the originating scene id and the requested
// changes in order.
// The kind is preserved so the request layer mapping does not change.
func WithScene(err error, op, sceneID string, changes []string) error {
	if err == nil {
		return nil
	}
	enriched := &Error{
		Kind:    KindOf(err),
		Op:      op,
		SceneID: sceneID,
		Changes: changes,
		Err:     err,
	}
	var inner *Error
	if errors.As(err, &inner) {
		enriched.Attempts = inner.Attempts
		enriched.StatusCode = inner.StatusCode
		enriched.TaskID = inner.TaskID
	}
	return enriched
}
