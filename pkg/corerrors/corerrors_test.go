package corerrors

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(TransientIO, "unable to write blob", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if !Is(err, TransientIO) {
		t.Error("expected Is to recognize the kind")
	}
}

func TestPropagates(t *testing.T) {
	for kind, expected := range map[Kind]bool{
		InvalidInput:        true,
		InternalError:       true,
		Cancelled:           true,
		MonitoringViolation: false,
		TransientIO:         false,
		CacheFailure:        false,
	} {
		if kind.Propagates() != expected {
			t.Errorf("%s.Propagates() = %v, want %v", kind, kind.Propagates(), expected)
		}
	}
}
