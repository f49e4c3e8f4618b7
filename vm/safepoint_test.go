package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopTheWorldParksRunningThreads(t *testing.T) {
	img := loadSource(t, recursionSource)
	spin := mustMethod(t, img, "Rec.P::Spin")
	rt := NewRuntime()
	w := rt.World()

	ctx, cancel := context.WithCancel(context.Background())
	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := rt.Invoke(ctx, spin)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return w.Running() == n }, 5*time.Second, time.Millisecond)

	w.StopTheWorld()
	assert.Equal(t, 0, w.Running())
	threads := w.Threads()
	require.Len(t, threads, n)
	for _, th := range threads {
		assert.True(t, th.Parked())
		assert.Equal(t, 1, th.Depth())
		bt := th.Backtrace()
		require.Len(t, bt, 1)
		assert.Equal(t, "Rec.P::Spin", bt[0].Method)
	}
	w.StartTheWorld()

	require.Eventually(t, func() bool { return w.Running() == n }, 5*time.Second, time.Millisecond)
	cancel()
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, ErrCancelled)
	}
	assert.Equal(t, 0, w.Running())
	assert.Empty(t, w.Threads())
}

func TestStoppedWorldDelaysNewInvocations(t *testing.T) {
	img := loadSource(t, recursionSource)
	fib := mustMethod(t, img, "Rec.P::Fib")
	rt := NewRuntime()
	_, err := rt.GetOrTransform(fib)
	require.NoError(t, err)

	rt.World().StopTheWorld()
	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := rt.Invoke(context.Background(), fib, I4(6))
		assert.NoError(t, err)
		assert.Equal(t, int32(8), v.I4())
		done.Store(true)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, done.Load())

	rt.World().StartTheWorld()
	wg.Wait()
	assert.True(t, done.Load())
}

func TestCollectorSeesRoots(t *testing.T) {
	img := loadSource(t, recursionSource)
	var polls atomic.Int64
	maxRoots := 0
	rt := NewRuntime(WithCollector(CollectorFunc(func(th *Thread) {
		polls.Add(1)
		roots := 0
		th.VisitRoots(func(v Value) {
			if v.Kind() == KindI4 {
				roots++
			}
		})
		maxRoots = max(maxRoots, roots)
	})))

	v, err := rt.Invoke(context.Background(), mustMethod(t, img, "Rec.P::Depth"), I4(20))
	require.NoError(t, err)
	assert.Equal(t, int32(20), v.I4())
	assert.Equal(t, int64(20), polls.Load(), "one safepoint per call")
	assert.GreaterOrEqual(t, maxRoots, 20)
}
