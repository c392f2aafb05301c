package botnet

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retrying,
// skipping, and reporting without matching on messages.
type ErrorKind string

// Error kinds.
const (
	KindResolution ErrorKind = "resolution"
	KindFetch      ErrorKind = "fetch"
	KindExtraction ErrorKind = "extraction"
	KindStorage    ErrorKind = "storage"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

// Sentinels usable with errors.Is.
var (
	ErrResolution = &Error{Kind: KindResolution}
	ErrFetch      = &Error{Kind: KindFetch}
	ErrExtraction = &Error{Kind: KindExtraction}
	ErrStorage    = &Error{Kind: KindStorage}
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind) + " error"
	}
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrFetch) works
// for every wrapped fetch failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ResolutionError reports a malformed or unsupported reference string.
func ResolutionError(op string, err error) error { return newError(KindResolution, op, err) }

// FetchError reports an upstream collaborator failure or timeout.
func FetchError(op string, err error) error { return newError(KindFetch, op, err) }

// ExtractionError reports that no domain was found in text.
func ExtractionError(op string, err error) error { return newError(KindExtraction, op, err) }

// StorageError reports a rejected graph store write or read.
func StorageError(op string, err error) error { return newError(KindStorage, op, err) }

// ValidationError reports unusable client input.
func ValidationError(op string, err error) error { return newError(KindValidation, op, err) }

// NotFoundError reports a missing upstream or stored entity.
func NotFoundError(op string, err error) error { return newError(KindNotFound, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether err is a fetch failure worth another attempt.
// Missing entities and caller cancellation are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrFetch)
}
