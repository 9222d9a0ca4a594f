package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/s0up4200/btclient-go/internal/request"
)

// Error kinds. Every error returned by a client wraps exactly one of them.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrTransport  = errors.New("transport failure")
	ErrProtocol   = errors.New("unexpected response")
	ErrValidation = errors.New("invalid request")
)

var (
	// ErrRetryFailed marks a request that still failed after the session was refreshed
	ErrRetryFailed = errors.New("request failed after session refresh")

	ErrTorrentNotFound = errors.New("torrent not found")
	ErrUnknownType     = errors.New("unknown client type")
)

// Error describes a failed client operation
type Error struct {
	Kind    error
	Backend Type
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, backend Type, op string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Err: err}
}

func validationError(backend Type, op, format string, args ...any) *Error {
	return newError(ErrValidation, backend, op, fmt.Errorf(format, args...))
}

func validateIDs(backend Type, op string, ids []string) error {
	if len(ids) == 0 {
		return validationError(backend, op, "at least one id is required")
	}
	for _, id := range ids {
		if id == "" {
			return validationError(backend, op, "empty id")
		}
	}
	return nil
}

func validateFilter(backend Type, op string, filter FilterRules) error {
	for _, id := range filter.IDs {
		if id == "" {
			return validationError(backend, op, "empty id in filter")
		}
	}
	if filter.Offset < 0 || filter.Limit < 0 {
		return validationError(backend, op, "offset and limit must not be negative")
	}
	return nil
}

// classify picks the error kind of a transport-level failure
func classify(err error) error {
	switch status := request.StatusCode(err); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case status != 0:
		return ErrProtocol
	default:
		return ErrTransport
	}
}

// notFound is returned by GetTorrent when nothing matches id
func notFound(backend Type, id string) *Error {
	return newError(ErrValidation, backend, "get", fmt.Errorf("%w: %s", ErrTorrentNotFound, id))
}
