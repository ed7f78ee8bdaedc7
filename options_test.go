package asyncmix

import (
	"errors"
	"testing"
)

func TestNewSkipsNilOptions(t *testing.T) {
	loop, err := New(nil, WithMetrics(true), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	if _, ok := loop.Metrics(); !ok {
		t.Fatal("option following a nil option was not applied")
	}
}

func TestNewPropagatesOptionError(t *testing.T) {
	boom := errors.New("bad option")
	_, err := New(&loopOptionImpl{func(*loopOptions) error { return boom }})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestWithStrictMicrotaskOrderingFlag(t *testing.T) {
	loop, err := New(WithStrictMicrotaskOrdering(true))
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	if !loop.strictMicrotasks {
		t.Fatal("strict microtask ordering flag not applied")
	}
}

func TestWithNilLoggerAccepted(t *testing.T) {
	loop := newTestLoop(t, WithLogger(nil))

	// Exercise the logging paths; a nil logger must be a silent no-op.
	if err := loop.Submit(func() { panic("logged nowhere") }); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	if err := loop.Submit(func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	<-done
}
