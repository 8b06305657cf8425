package sendqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsSerially(t *testing.T) {
	d := New(0)
	defer d.Shutdown()

	var running int32
	var maxConcurrent int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		d.Enqueue(context.Background(), "addr-A", func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v, "jobs on one key must run in enqueue order")
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	d := New(0)
	defer d.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup

	for _, key := range []string{"addr-A", "addr-B"} {
		wg.Add(1)
		d.Enqueue(context.Background(), key, func(ctx context.Context) {
			defer wg.Done()
			started <- struct{}{}
			<-release
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected both per-address jobs to start concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestEnqueueDropsUnrunJobPastCancelledContext(t *testing.T) {
	d := New(0)
	defer d.Shutdown()

	block := make(chan struct{})
	var ran int32
	d.Enqueue(context.Background(), "addr-A", func(ctx context.Context) {
		<-block
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Enqueue(ctx, "addr-A", func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})
	close(block)

	// Give the queue goroutine a moment to reach (and skip) the
	// cancelled job.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestReapIdleQueue(t *testing.T) {
	d := New(10 * time.Millisecond)
	defer d.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	d.Enqueue(context.Background(), "addr-A", func(ctx context.Context) { wg.Done() })
	wg.Wait()

	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	_, exists := d.queues["addr-A"]
	d.mu.Unlock()
	assert.False(t, exists, "idle queue should have been reaped")
}
