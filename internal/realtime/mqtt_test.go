package realtime

import (
	"errors"
	"testing"
	"time"
)

// fakeToken stands in for a paho delivery token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

func TestPublishResultSurfacesTokenError(t *testing.T) {
	if err := publishResult(newFakeToken(nil)); err != nil {
		t.Errorf("publishResult() on clean token = %v, want nil", err)
	}

	want := errors.New("connection lost")
	if err := publishResult(newFakeToken(want)); !errors.Is(err, want) {
		t.Errorf("publishResult() = %v, want %v", err, want)
	}
}
