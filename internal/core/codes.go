package core

import (
	"context"
	"errors"

	"register/pkg/domain"
)

// Code is the caller-visible class of an operation outcome.
type Code string

const (
	CodeOK              Code = "ok"
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotFound        Code = "not_found"
	CodeAborted         Code = "aborted"
	CodeUnauthenticated Code = "unauthenticated"
	CodeCanceled        Code = "canceled"
	CodeUnavailable     Code = "unavailable"
	CodeInternal        Code = "internal"
)

// CodeOf maps an error returned by the service to its class. Unknown errors
// are internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, domain.ErrInvalidIdentifier), errors.Is(err, domain.ErrMissingRequiredField),
		errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, ErrSignatureNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrPreconditionFailed):
		return CodeAborted
	case errors.Is(err, domain.ErrFeedInvalidated), errors.Is(err, domain.ErrStorageUnavailable):
		return CodeUnavailable
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrInvalidArgument marks malformed request values other than ids.
var ErrInvalidArgument = errors.New("invalid argument")
