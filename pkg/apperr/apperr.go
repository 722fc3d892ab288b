// Package apperr is the error taxonomy shared by the relay and its HTTP boundary.
package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindBadRequest  Kind = "bad_request"
	KindUpstream    Kind = "upstream"
	KindDecode      Kind = "decode"
	KindPersistence Kind = "persistence"
	KindNotFound    Kind = "not_found"
	KindConfig      Kind = "config"
	KindInternal    Kind = "internal"
)

// Error carries a stable kind next to a human readable message.
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

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: err}
}

func BadRequest(msg string) *Error { return New(KindBadRequest, msg) }

func NotFound(msg string) *Error { return New(KindNotFound, msg) }

func Decode(err error, msg string) *Error { return Wrap(KindDecode, err, msg) }

func Persistence(err error, msg string) *Error { return Wrap(KindPersistence, err, msg) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf maps an error to the HTTP status returned to clients.
// Upstream failures are reported as client errors carrying the upstream detail.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindBadRequest, KindUpstream:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes the structured error body and aborts the gin chain.
func Respond(c *gin.Context, err error) {
	body := gin.H{"code": string(KindOf(err)) + ":api", "message": err.Error()}
	var ae *Error
	if errors.As(err, &ae) {
		body["message"] = ae.Message
		if ae.Cause != nil {
			body["cause"] = ae.Cause.Error()
		}
	}
	c.AbortWithStatusJSON(StatusOf(err), body)
}
