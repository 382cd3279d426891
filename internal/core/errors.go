package core

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure so callers can decide whether to retry,
// fail the job, or reject the request.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindFatal covers configuration and request errors: missing credentials,
	// ownership mismatch, malformed input. Never retried.
	KindFatal
	// KindValidation covers corrupt or unsupported documents.
	KindValidation
	// KindTransient covers provider network and rate-limit failures.
	KindTransient
	KindConflict
	KindNotFound
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrMissingCredential = errors.New("missing api credential")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflicting job state")
	ErrCancelled         = errors.New("cancelled by user")
	ErrForbidden         = errors.New("source does not belong to caller")
	ErrInvalidDocument   = errors.New("invalid document")
	ErrNoChunks          = errors.New("source has no chunks")
)

// Error is the tagged error returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Fatal(op string, err error) error      { return newError(KindFatal, op, err) }
func Validation(op string, err error) error { return newError(KindValidation, op, err) }
func Transient(op string, err error) error  { return newError(KindTransient, op, err) }
func Conflict(op string, err error) error   { return newError(KindConflict, op, err) }
func NotFound(op string, err error) error   { return newError(KindNotFound, op, err) }
func Cancelled(op string, err error) error  { return newError(KindCancelled, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
