package errs

import (
	"errors"
	"testing"
)

func TestTransientUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewTransient("dial failed", inner)
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to find wrapped inner error")
	}
	if err.Error() != "transient: dial failed: connection reset" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestFatalUnwrap(t *testing.T) {
	inner := errors.New("budget exhausted")
	err := NewFatal("mqtt-transport", inner)
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to find wrapped inner error")
	}
}

func TestNotFoundAs(t *testing.T) {
	var err error = NewNotFound("faculty", int64(42))
	var nf *NotFound
	if !errors.As(err, &nf) {
		t.Fatal("expected errors.As to match *NotFound")
	}
	if nf.Kind != "faculty" || nf.ID != int64(42) {
		t.Errorf("unexpected NotFound fields: %+v", nf)
	}
}

func TestInvalidTransitionMessage(t *testing.T) {
	err := NewInvalidTransition("COMPLETED", "ACCEPTED")
	want := "invalid transition: COMPLETED -> ACCEPTED"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
