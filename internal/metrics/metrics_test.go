package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Poll("dev-1", true, 20*time.Millisecond)
	c.Poll("dev-1", false, 20*time.Millisecond)
	c.Poll("dev-1", false, 20*time.Millisecond)
	c.CacheRequest("hit")
	c.Breaker("dev-1", true)

	if got := testutil.ToFloat64(c.polls.WithLabelValues("dev-1", "failure")); got != 2 {
		t.Fatalf("failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.breakerOpen.WithLabelValues("dev-1")); got != 1 {
		t.Fatalf("breaker = %v, want 1", got)
	}

	c.Forget("dev-1")
	if got := testutil.CollectAndCount(c.polls); got != 0 {
		t.Fatalf("series after Forget = %d", got)
	}
}

func TestCollectors_NilIsNoop(t *testing.T) {
	var c *Collectors
	c.Poll("x", true, time.Second)
	c.Retry("x")
	c.Breaker("x", true)
	c.CacheRequest("miss")
	c.PersistFailure("realtime")
	c.Forget("x")
}
