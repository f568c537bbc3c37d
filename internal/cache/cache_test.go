package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

func slowFetch(calls *int32, delay time.Duration) Fetch {
	return func(ctx context.Context) types.PollResult {
		atomic.AddInt32(calls, 1)
		time.Sleep(delay)
		return types.PollResult{DeviceID: "dev-1", Success: true, Timestamp: time.Now()}
	}
}

func TestCache_ConcurrentReadsCoalesce(t *testing.T) {
	c := New(Options{Enabled: true, TTL: time.Minute}, nil, zaptest.NewLogger(t))
	var calls int32
	fetch := slowFetch(&calls, 50*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]types.PollResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Get(context.Background(), "dev-1", fetch)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream fetches = %d, want 1", got)
	}
	for _, r := range results {
		if !r.Timestamp.Equal(results[0].Timestamp) {
			t.Fatalf("waiters received different results")
		}
	}

	if _, err := c.Get(context.Background(), "dev-1", fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("read within TTL went upstream")
	}
}

func TestCache_DisabledStillCoalesces(t *testing.T) {
	c := New(Options{Enabled: false}, nil, nil)
	var calls int32
	fetch := slowFetch(&calls, 50*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(context.Background(), "dev-1", fetch)
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream fetches = %d, want 1", got)
	}

	c.Get(context.Background(), "dev-1", fetch)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("disabled cache must not serve hits")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(Options{Enabled: true, TTL: time.Second}, nil, nil)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	var calls int32
	fetch := slowFetch(&calls, 0)

	c.Get(context.Background(), "dev-1", fetch)
	now = now.Add(999 * time.Millisecond)
	c.Get(context.Background(), "dev-1", fetch)
	if calls != 1 {
		t.Fatalf("fetches before expiry = %d", calls)
	}

	now = now.Add(time.Millisecond)
	c.Get(context.Background(), "dev-1", fetch)
	if calls != 2 {
		t.Fatalf("fetches after expiry = %d", calls)
	}
}

func TestCache_RefreshIgnoresTTLAndFailuresAreNotCached(t *testing.T) {
	c := New(Options{Enabled: true, TTL: time.Minute}, nil, nil)
	var calls int32
	fetch := slowFetch(&calls, 0)

	c.Put(types.PollResult{DeviceID: "dev-1", Success: true}, c.Epoch("dev-1"))
	if _, err := c.Refresh(context.Background(), "dev-1", fetch); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls != 1 {
		t.Fatalf("Refresh must always go upstream")
	}

	c.Invalidate("dev-1")
	failing := func(ctx context.Context) types.PollResult {
		atomic.AddInt32(&calls, 1)
		return types.PollResult{DeviceID: "dev-1", Success: false, Error: "timeout"}
	}
	c.Get(context.Background(), "dev-1", failing)
	c.Get(context.Background(), "dev-1", failing)
	if calls != 3 {
		t.Fatalf("failed results must not be served from cache, fetches = %d", calls)
	}
}

func TestCache_WaiterCancellation(t *testing.T) {
	c := New(Options{Enabled: true, TTL: time.Minute}, nil, nil)
	release := make(chan struct{})
	fetch := func(ctx context.Context) types.PollResult {
		<-release
		return types.PollResult{DeviceID: "dev-1", Success: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "dev-1", fetch); err == nil {
		t.Fatalf("want context error")
	}
	close(release)
}

func TestCache_InvalidateDropsFetchInFlight(t *testing.T) {
	c := New(Options{Enabled: true, TTL: time.Minute}, nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	stale := func(ctx context.Context) types.PollResult {
		close(started)
		<-release
		return types.PollResult{DeviceID: "dev-1", Success: true, Error: "old"}
	}

	done := make(chan types.PollResult, 1)
	go func() {
		res, _ := c.Get(context.Background(), "dev-1", stale)
		done <- res
	}()
	<-started
	c.Invalidate("dev-1")
	close(release)
	<-done

	if _, ok := c.Peek("dev-1"); ok {
		t.Fatalf("result fetched before Invalidate was cached")
	}

	var calls int32
	if _, err := c.Get(context.Background(), "dev-1", slowFetch(&calls, 0)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("read after Invalidate must go upstream, fetches = %d", calls)
	}
	if _, ok := c.Peek("dev-1"); !ok {
		t.Fatalf("fresh result not cached")
	}
	if c.Put(types.PollResult{DeviceID: "dev-1", Success: true}, 0) {
		t.Fatalf("Put with a stale epoch succeeded")
	}
}
