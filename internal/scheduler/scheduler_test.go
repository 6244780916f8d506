package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTick_SkipsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})

	assert.True(t, s.Tick(context.Background()))
	assert.False(t, s.Tick(context.Background()), "second firing overlaps the first")
	assert.False(t, s.Tick(context.Background()))

	close(release)
	s.Wait()
	assert.Equal(t, int32(1), runs.Load())

	assert.True(t, s.Tick(context.Background()), "free again after the run ends")
	s.Wait()
	assert.Equal(t, int32(2), runs.Load())
}

func TestTick_SurvivesErrorsAndPanics(t *testing.T) {
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("database unavailable")
		case 2:
			panic("boom")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		assert.True(t, s.Tick(context.Background()))
		s.Wait()
	}
	assert.Equal(t, int32(3), runs.Load())
}

func TestRun_FiresOnIntervalUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := New("test", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_WaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	s := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done
	assert.True(t, finished.Load())
}
