package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTasksRunBeforeShutdownReturns(t *testing.T) {
	wp := NewWorkerPool(2, 10, time.Second, zerolog.Nop())
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		assert.True(t, wp.Submit(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	wp.Shutdown()
	assert.Equal(t, int32(5), ran.Load())
}

func TestSubmitAfterShutdownIsDropped(t *testing.T) {
	wp := NewWorkerPool(1, 1, time.Second, zerolog.Nop())
	wp.Shutdown()
	wp.Shutdown()
	assert.False(t, wp.Submit(func(context.Context) error { return nil }))
}

func TestFullQueueDrops(t *testing.T) {
	wp := NewWorkerPool(1, 1, time.Second, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	wp.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	assert.True(t, wp.Submit(func(context.Context) error { return errors.New("logged") }))
	assert.False(t, wp.Submit(func(context.Context) error { return nil }))
	close(release)
	wp.Shutdown()
}

func TestTaskContextHasTimeout(t *testing.T) {
	wp := NewWorkerPool(1, 1, 10*time.Millisecond, zerolog.Nop())
	done := make(chan error, 1)
	wp.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task context never expired")
	}
	wp.Shutdown()
}
