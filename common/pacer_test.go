package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerSeedAllowsFirstOperation(t *testing.T) {
	a := assert.New(t)
	p := NewRatePacer(0) // rate zero: nothing refills after the seed
	defer p.Close()

	a.True(p.TryProceed())
	a.False(p.TryProceed())
	a.False(p.TryProceed())
}

func TestPacerRefillsAtTargetRate(t *testing.T) {
	a := assert.New(t)
	p := NewRatePacer(600000) // 10k ops/sec so one fill tick covers the request
	defer p.Close()

	a.True(p.TryProceed()) // drain the seed

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.NoError(p.WaitToProceed(ctx))
}

func TestPacerWaitHonorsContext(t *testing.T) {
	a := assert.New(t)
	p := NewRatePacer(0)
	defer p.Close()

	a.True(p.TryProceed()) // exhaust the seed

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.WaitToProceed(ctx)
	a.ErrorIs(err, context.DeadlineExceeded)
}

func TestPacerCloseUnblocksWaiters(t *testing.T) {
	a := assert.New(t)
	p := NewRatePacer(0)
	a.True(p.TryProceed())

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.WaitToProceed(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	a.NoError(p.Close())
	a.NoError(p.Close()) // closing twice is fine

	select {
	case err := <-errCh:
		a.Error(err)
		a.Equal(EErrorKind.Cancelled(), ClassifyError(err))
	case <-time.After(2 * time.Second):
		a.Fail("waiter did not unblock after Close")
	}
}

func TestPacerTargetIsAdjustable(t *testing.T) {
	a := assert.New(t)
	p := NewRatePacer(60).(*tokenBucketPacer)
	defer p.Close()

	a.Equal(int64(60), p.targetPerMinute())
	p.SetTargetPerMinute(120)
	a.Equal(int64(120), p.targetPerMinute())
}
