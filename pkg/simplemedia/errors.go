package simplemedia

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures for callers and for the HTTP layer.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindStorage         Kind = "storage_error"
	KindInternal        Kind = "internal_error"
)

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	// ErrMediaNotFound indicates a media row was not found
	ErrMediaNotFound = errors.New("media not found")

	// ErrOwnerNotFound indicates the record owning an upload does not exist
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrObjectNotFound indicates an object was not found in the object store
	ErrObjectNotFound = errors.New("object not found")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to object store operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// BadRequestf reports malformed or disallowed input.
func BadRequestf(op, format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Op: op, Message: fmt.Sprintf(format, args...)}
}

// PayloadTooLarge reports an upload over the configured ceiling.
func PayloadTooLarge(op string, err error) error {
	return &Error{Kind: KindPayloadTooLarge, Op: op, Message: "payload exceeds the upload size limit", Err: err}
}

// Conflict reports a uniqueness violation.
func Conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Message: "resource already exists", Err: err}
}

// NotFound reports a missing record.
func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf classifies any error. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var se *StorageError
	if errors.As(err, &se) {
		return KindStorage
	}
	return KindInternal
}

// PublicMessage returns a message that is safe to show to API clients.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Kind == KindInternal:
			return "internal error"
		case e.Message != "":
			return e.Message
		case errors.Is(e, ErrMediaNotFound):
			return ErrMediaNotFound.Error()
		case errors.Is(e, ErrOwnerNotFound):
			return ErrOwnerNotFound.Error()
		case e.Kind == KindNotFound:
			return "resource not found"
		}
		return string(e.Kind)
	}
	var se *StorageError
	if errors.As(err, &se) {
		return "object storage unavailable"
	}
	return "internal error"
}

// classify keeps typed errors and wraps everything else as internal.
func classify(op string, err error) error {
	var e *Error
	var se *StorageError
	if errors.As(err, &e) || errors.As(err, &se) {
		return err
	}
	return Internal(op, err)
}
