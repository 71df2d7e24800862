package common

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestWithKindNilPassthrough(t *testing.T) {
	a := assert.New(t)
	a.Nil(WithKind(EErrorKind.Timeout(), nil))
}

func TestClassifyErrorExplicitKindWins(t *testing.T) {
	a := assert.New(t)

	err := WithKind(EErrorKind.RateLimited(), errors.New("daily quota reached"))
	a.Equal(EErrorKind.RateLimited(), ClassifyError(err))

	// the kind survives further wrapping
	wrapped := errors.Wrap(err, "collecting attractions")
	a.Equal(EErrorKind.RateLimited(), ClassifyError(wrapped))
	a.Contains(wrapped.Error(), "daily quota reached")
}

func TestClassifyErrorContextAndNet(t *testing.T) {
	a := assert.New(t)

	a.Equal(EErrorKind.Cancelled(), ClassifyError(context.Canceled))
	a.Equal(EErrorKind.Cancelled(), ClassifyError(errors.Wrap(context.Canceled, "fetch")))
	a.Equal(EErrorKind.Timeout(), ClassifyError(context.DeadlineExceeded))

	a.Equal(EErrorKind.Timeout(), ClassifyError(&fakeNetError{timeout: true}))
	a.Equal(EErrorKind.Transport(), ClassifyError(&fakeNetError{timeout: false}))

	a.Equal(EErrorKind.Unknown(), ClassifyError(errors.New("boom")))
}

func TestKindErrorf(t *testing.T) {
	a := assert.New(t)

	err := KindErrorf(EErrorKind.NoKey(), "no usable key for %s", EProvider.KTO())
	a.Equal(EErrorKind.NoKey(), ClassifyError(err))
	a.Contains(err.Error(), "NO_KEY")
	a.Contains(err.Error(), "no usable key for KTO")
}

func TestCauseWalksMixedChains(t *testing.T) {
	a := assert.New(t)

	root := errors.New("connection refused")
	chain := errors.Wrap(WithKind(EErrorKind.Database(), errors.Wrap(root, "ping")), "health check")
	a.Equal(root, Cause(chain))

	a.Nil(Cause(nil))
	plain := errors.New("standalone")
	a.Equal(plain, Cause(plain))
}
