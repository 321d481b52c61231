package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedErrors(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	cases := map[Kind]error{
		KindInvalid:   fmt.Errorf("decode: %w", Invalid(base)),
		KindTransient: fmt.Errorf("call: %w", Transient(base)),
		KindPermanent: Permanentf("status %d", 400),
		KindConflict:  Conflict(base),
		KindNotFound:  NotFound(base),
		KindInternal:  base,
	}
	for want, err := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("unexpected kind for %v: got %q want %q", err, got, want)
		}
	}
}

func TestDeadlineIsTransient(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("embed: %w", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Fatalf("expected deadline overrun to be transient")
	}
}

func TestWrapKeepsUnderlyingError(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := Transient(base)
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to match base")
	}
	if err.Error() != "boom" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if Transient(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]Kind{
		200: "",
		204: "",
		400: KindPermanent,
		401: KindPermanent,
		408: KindTransient,
		422: KindPermanent,
		429: KindTransient,
		500: KindTransient,
		503: KindTransient,
	}
	for status, want := range cases {
		if got := KindOf(FromHTTPStatus("svc", status, []byte("body"))); got != want {
			t.Fatalf("status %d: got %q want %q", status, got, want)
		}
	}
}
