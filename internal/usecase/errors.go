package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a verification failure.
type Kind int

const (
	KindInternal Kind = iota
	KindInput
	KindDecode
	KindFetch
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindDecode:
		return "decode"
	case KindFetch:
		return "fetch"
	default:
		return "internal"
	}
}

// StatusCode maps the kind to an HTTP status class: caller-fixable kinds are
// 400, everything else 500.
func (k Kind) StatusCode() int {
	switch k {
	case KindInput, KindDecode, KindFetch:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Which image a decode failure refers to.
const (
	ImageClaim     = "claim"
	ImageReference = "reference"
)

const genericInternalMessage = "internal error during verification"

// Error is the only error type Verify returns. Message is safe to show to the
// caller; Err carries the cause for logs and is never rendered for
// KindInternal.
type Error struct {
	Kind    Kind
	Image   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func inputError(message string) *Error {
	return &Error{Kind: KindInput, Message: message}
}

func decodeError(image string, err error) *Error {
	return &Error{
		Kind:    KindDecode,
		Image:   image,
		Message: fmt.Sprintf("Invalid %s image format", image),
		Err:     err,
	}
}

func fetchError(err error) *Error {
	return &Error{
		Kind:    KindFetch,
		Image:   ImageReference,
		Message: "Failed to fetch original image",
		Err:     err,
	}
}

func internalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: genericInternalMessage, Err: err}
}

// KindOf returns the kind of err, treating anything that is not an *Error as
// internal.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindInternal
}
