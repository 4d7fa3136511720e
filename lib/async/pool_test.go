package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/aarbus/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	_, err := NewPool(0, 1)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestPoolRunsTasks(t *testing.T) {
	p, err := NewPool(2, 4)
	require.NoError(t, err)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	require.EqualValues(t, 10, count.Load())
}

func TestPoolSubmitNilTask(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	defer p.Close()

	err = p.Submit(context.Background(), nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	p.Close()
	p.Close()

	require.True(t, p.Closed())
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestPoolSubmitBlocksUntilContextDone(t *testing.T) {
	p, err := NewPool(1, 0)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Submit(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolShutdownTimesOut(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Shutdown(ctx)
	require.True(t, errs.Is(err, errs.CodeTimeout))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolRecoversPanics(t *testing.T) {
	recovered := make(chan any, 1)
	p, err := NewPool(1, 1, WithPanicHandler(func(r *panics.Recovered) {
		recovered <- r.Value
	}))
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.NoError(t, p.Shutdown(context.Background()))

	require.Equal(t, "boom", <-recovered)
	require.True(t, ran.Load(), "worker must survive a panicking task")
}
