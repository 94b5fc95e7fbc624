package taskservice

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func closeService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

// blocker occupies the only worker until released.
func blocker(started chan<- struct{}, release <-chan struct{}) *Request {
	return NewRequest(-1, func(context.Context, ProgressCallback) {
		close(started)
		<-release
	})
}

type stampMonitor struct {
	service *Service
	request *Request
}

func (m stampMonitor) ReportProgress(float64, float64) bool {
	return m.service.Stamp()-m.request.Stamp() > 2
}

func TestRequestLifecycle(t *testing.T) {
	s := New(2)
	defer closeService(t, s)

	var ran atomic.Bool
	r := NewRequest(1, func(context.Context, ProgressCallback) { ran.Store(true) })
	require.True(t, r.IsIdle())

	require.True(t, s.Add(r))
	require.Eventually(t, r.IsCompleted, waitFor, time.Millisecond)
	assert.True(t, ran.Load())

	assert.False(t, s.Add(r), "completed request must not be resubmitted")
	assert.False(t, r.Reset(), "only cancelled requests reset")
	assert.Equal(t, uint64(1), s.Stats().Completed)
}

func TestPriorityOrder(t *testing.T) {
	s := New(1)
	defer closeService(t, s)

	started, release := make(chan struct{}), make(chan struct{})
	require.True(t, s.Add(blocker(started, release)))
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(context.Context, ProgressCallback) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	reqs := []*Request{
		NewRequest(3.1, record("color1")),
		NewRequest(3, record("elevation")),
		NewRequest(3, record("color0")),
		NewRequest(1, record("parent")),
	}
	for _, r := range reqs {
		require.True(t, s.Add(r))
	}
	assert.Equal(t, 4, s.Len())

	close(release)
	for _, r := range reqs {
		require.Eventually(t, r.IsCompleted, waitFor, time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"parent", "elevation", "color0", "color1"}, order)
}

func TestCancelWhileQueued(t *testing.T) {
	s := New(1)
	defer closeService(t, s)

	started, release := make(chan struct{}), make(chan struct{})
	require.True(t, s.Add(blocker(started, release)))
	<-started

	var ran atomic.Bool
	r := NewRequest(0, func(context.Context, ProgressCallback) { ran.Store(true) })
	require.True(t, s.Add(r))
	r.Cancel()
	close(release)

	require.Eventually(t, func() bool { return s.Len() == 0 && s.Stats().Running == 0 }, waitFor, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.True(t, r.IsCanceled())

	require.True(t, r.Reset())
	require.True(t, s.Add(r))
	require.Eventually(t, r.IsCompleted, waitFor, time.Millisecond)
	assert.True(t, ran.Load())
}

func TestStaleRequestCanceled(t *testing.T) {
	s := New(1)
	defer closeService(t, s)

	polling := make(chan struct{})
	var once sync.Once
	r := NewRequest(0, func(_ context.Context, p ProgressCallback) {
		once.Do(func() { close(polling) })
		for !p.ReportProgress(0, 1) {
			time.Sleep(time.Millisecond)
		}
	})
	r.SetStamp(10)
	r.SetProgressCallback(stampMonitor{service: s, request: r})
	s.SetStamp(10)

	require.True(t, s.Add(r))
	<-polling

	s.SetStamp(12)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateInProgress, r.State())

	s.SetStamp(13)
	require.Eventually(t, r.IsCanceled, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Canceled)
}

func TestPanickingOperationCompletes(t *testing.T) {
	s := New(1)
	defer closeService(t, s)

	r := NewRequest(0, func(context.Context, ProgressCallback) { panic("boom") })
	require.True(t, s.Add(r))
	require.Eventually(t, r.IsCompleted, waitFor, time.Millisecond)

	next := NewRequest(0, func(context.Context, ProgressCallback) {})
	require.True(t, s.Add(next))
	require.Eventually(t, next.IsCompleted, waitFor, time.Millisecond)
}

func TestCloseCancelsQueued(t *testing.T) {
	s := New(1)

	started, release := make(chan struct{}), make(chan struct{})
	running := NewRequest(0, func(ctx context.Context, _ ProgressCallback) {
		close(started)
		select {
		case <-ctx.Done():
		case <-release:
		}
	})
	require.True(t, s.Add(running))
	<-started

	queued := NewRequest(1, func(context.Context, ProgressCallback) {})
	require.True(t, s.Add(queued))

	closeService(t, s)
	defer close(release)

	assert.True(t, queued.IsCanceled())
	assert.True(t, running.IsCanceled(), "work interrupted by shutdown is not completed")

	late := NewRequest(0, func(context.Context, ProgressCallback) {})
	assert.False(t, s.Add(late))
	assert.True(t, late.IsCanceled())

	assert.ErrorIs(t, s.Close(context.Background()), ErrServiceClosed)
}

func TestStampIsShared(t *testing.T) {
	s := New(1)
	defer closeService(t, s)

	assert.Equal(t, int64(0), s.Stamp())
	s.SetStamp(42)
	assert.Equal(t, int64(42), s.Stamp())
	assert.Equal(t, 1, s.Workers())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "in_progress", StateInProgress.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "canceled", StateCanceled.String())
}
