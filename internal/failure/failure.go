// Package failure classifies errors into the kinds the workflow and the API react to.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalid marks malformed input. Never retried.
	ErrInvalid = errors.New("invalid input")

	// ErrTransient marks a failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks a collaborator that refused the request outright.
	ErrPermanent = errors.New("collaborator rejected request")

	// ErrConflict marks a storage uniqueness violation.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
)

type Kind string

const (
	KindInvalid   Kind = "invalid"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindConflict  Kind = "conflict"
	KindNotFound  Kind = "not_found"
	KindInternal  Kind = "internal"
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

func Invalid(err error) error   { return wrap(ErrInvalid, err) }
func Transient(err error) error { return wrap(ErrTransient, err) }
func Permanent(err error) error { return wrap(ErrPermanent, err) }
func Conflict(err error) error  { return wrap(ErrConflict, err) }
func NotFound(err error) error  { return wrap(ErrNotFound, err) }

func Invalidf(format string, args ...any) error {
	return Invalid(fmt.Errorf(format, args...))
}

func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// KindOf classifies err. Deadline overruns count as transient; unclassified
// errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}

func IsInvalid(err error) bool   { return KindOf(err) == KindInvalid }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsConflict(err error) bool  { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }

// FromHTTPStatus maps a non-2xx collaborator response onto a kind: throttling,
// request timeouts and server errors are transient, other client errors are
// permanent. A 2xx status returns nil.
func FromHTTPStatus(service string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxDetailLength {
		detail = detail[:maxDetailLength]
	}
	err := fmt.Errorf("%s status %d: %s", service, status, detail)
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}

const maxDetailLength = 512
