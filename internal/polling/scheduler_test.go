package polling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/fieldpoll/fieldpoll/internal/cache"
	"github.com/fieldpoll/fieldpoll/internal/modbus"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

type span struct {
	device     string
	start, end time.Time
}

type fakeClient struct {
	id     string
	reads  int32
	closed int32
	writes int32

	mu   sync.Mutex
	read func(ctx context.Context) types.PollResult
}

func (c *fakeClient) ReadAll(ctx context.Context) types.PollResult {
	atomic.AddInt32(&c.reads, 1)
	c.mu.Lock()
	read := c.read
	c.mu.Unlock()
	if read == nil {
		return okResult(c.id)
	}
	return read(ctx)
}

func (c *fakeClient) setRead(f func(ctx context.Context) types.PollResult) {
	c.mu.Lock()
	c.read = f
	c.mu.Unlock()
}

func (c *fakeClient) WriteParameter(ctx context.Context, name string, value float64) error {
	atomic.AddInt32(&c.writes, 1)
	return nil
}

func (c *fakeClient) State() types.ConnectionState { return types.StateConnected }

func (c *fakeClient) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func okResult(id string) types.PollResult {
	return types.PollResult{
		DeviceID:  id,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Readings:  []types.Reading{{ParameterName: "v", Value: 1}},
	}
}

func failResult(id string, err error) types.PollResult {
	res := types.PollResult{DeviceID: id, Timestamp: time.Now().UTC()}
	res.Fail(err)
	return res
}

type fakeSink struct {
	mu         sync.Mutex
	realtime   []string
	historical []string
	failWith   error
}

func (s *fakeSink) UpsertRealtime(ctx context.Context, deviceID string, readings []types.Reading, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtime = append(s.realtime, deviceID)
	return s.failWith
}

func (s *fakeSink) AppendHistorical(ctx context.Context, deviceID string, readings []types.Reading, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historical = append(s.historical, deviceID)
	return nil
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.realtime), len(s.historical)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	s       *Scheduler
	sink    *fakeSink
	clients map[string]*fakeClient
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sink: &fakeSink{}, clients: make(map[string]*fakeClient)}
	var mu sync.Mutex
	factory := func(d types.Device) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		c, ok := h.clients[d.ID]
		if !ok {
			c = &fakeClient{id: d.ID}
			h.clients[d.ID] = c
		}
		return c, nil
	}
	logger := zaptest.NewLogger(t)
	c := cache.New(cache.Options{Enabled: true, TTL: time.Minute}, nil, logger)
	h.s = NewScheduler(opts, factory, h.sink, c, nil, nil, logger)
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) client(id string) *fakeClient {
	c, ok := h.clients[id]
	if !ok {
		c = &fakeClient{id: id}
		h.clients[id] = c
	}
	return c
}

func device(id string, setting types.ConnectionSetting, intervalMs int) types.Device {
	return types.Device{
		ID:                id,
		ConnectionSetting: setting,
		Enabled:           true,
		PollingIntervalMs: intervalMs,
	}
}

func rtu(path string, unit uint8) types.ConnectionSetting {
	return types.ConnectionSetting{
		Type: types.ConnectionRTU,
		RTU:  &types.RTUSetting{SerialPath: path, BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N", UnitID: unit},
	}
}

func tcp(host string, port int) types.ConnectionSetting {
	return types.ConnectionSetting{
		Type: types.ConnectionTCP,
		TCP:  &types.TCPSetting{Host: host, Port: port, UnitID: 1},
	}
}

func transient(id string) types.PollResult {
	return failResult(id, &modbus.ConnectionError{Path: "tcp://x", Err: errors.New("connection refused")})
}

func TestScheduler_SharedBusNeverOverlaps(t *testing.T) {
	h := newHarness(t, Options{Workers: 4, Tick: 5 * time.Millisecond})

	var mu sync.Mutex
	var spans []span
	record := func(id string) func(ctx context.Context) types.PollResult {
		return func(ctx context.Context) types.PollResult {
			start := time.Now()
			time.Sleep(15 * time.Millisecond)
			mu.Lock()
			spans = append(spans, span{device: id, start: start, end: time.Now()})
			mu.Unlock()
			return okResult(id)
		}
	}
	h.client("meter-a").setRead(record("meter-a"))
	h.client("meter-b").setRead(record("meter-b"))

	for _, d := range []types.Device{
		device("meter-a", rtu("/dev/ttyUSB0", 1), 1),
		device("meter-b", rtu("/dev/ttyUSB0", 2), 1),
	} {
		if err := h.s.Add(d); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	h.s.Stop()

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })
	polled := map[string]int{}
	for i, sp := range spans {
		polled[sp.device]++
		if i > 0 && sp.start.Before(spans[i-1].end) {
			t.Fatalf("exchanges overlap on a shared bus: %v and %v", spans[i-1], sp)
		}
	}
	if polled["meter-a"] < 2 || polled["meter-b"] < 2 {
		t.Fatalf("both devices should poll repeatedly: %v", polled)
	}
}

func TestScheduler_RemovedDeviceResultDiscarded(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.client("meter-a").setRead(func(ctx context.Context) types.PollResult {
		close(started)
		<-release
		return okResult("meter-a")
	})

	if err := h.s.Add(device("meter-a", tcp("10.0.0.1", 502), 1000)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n := h.s.dispatch(time.Now()); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	<-started

	h.s.Remove("meter-a")
	close(release)
	h.s.wg.Wait()

	if rt, hist := h.sink.counts(); rt != 0 || hist != 0 {
		t.Fatalf("result of a removed device was persisted (%d, %d)", rt, hist)
	}
	if _, ok := h.s.Status("meter-a"); ok {
		t.Fatalf("removed device still has a status")
	}
	if got := atomic.LoadInt32(&h.clients["meter-a"].closed); got != 1 {
		t.Fatalf("client closed %d times, want 1", got)
	}
}

func TestScheduler_RetriesOnlyTransientErrors(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 3, RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})
	h.client("flaky").setRead(func(ctx context.Context) types.PollResult { return transient("flaky") })
	h.client("misconfigured").setRead(func(ctx context.Context) types.PollResult {
		return failResult("misconfigured", &modbus.ProtocolError{FunctionCode: 3, Code: 2})
	})

	h.s.Add(device("flaky", tcp("10.0.0.1", 502), 1000))
	h.s.Add(device("misconfigured", tcp("10.0.0.2", 502), 1000))
	h.s.dispatch(time.Now())
	h.s.wg.Wait()

	if got := atomic.LoadInt32(&h.clients["flaky"].reads); got != 4 {
		t.Fatalf("transient failure: %d reads, want 1 + 3 retries", got)
	}
	if got := atomic.LoadInt32(&h.clients["misconfigured"].reads); got != 1 {
		t.Fatalf("protocol failure: %d reads, want 1", got)
	}

	for _, id := range []string{"flaky", "misconfigured"} {
		st, _ := h.s.Status(id)
		if st.FailureStreak != 1 || st.LastResult == nil || st.LastResult.Success {
			t.Fatalf("%s: unexpected status %+v", id, st)
		}
	}
}

func TestScheduler_BreakerBacksOffAndRecovers(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 2, BreakerMultiplier: 4, BreakerMaxInterval: time.Hour})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h.s.now = clock.Now
	h.s.sleep = func(context.Context, time.Duration) error { return nil }

	c := h.client("meter-a")
	c.setRead(func(ctx context.Context) types.PollResult { return transient("meter-a") })
	h.s.Add(device("meter-a", tcp("10.0.0.1", 502), 100))

	t0 := clock.Now()
	cycle := func(at time.Time) {
		t.Helper()
		clock.Set(at)
		if n := h.s.dispatch(at); n != 1 {
			t.Fatalf("dispatch at +%s started %d cycles", at.Sub(t0), n)
		}
		h.s.wg.Wait()
	}

	cycle(t0)
	st, _ := h.s.Status("meter-a")
	if st.FailureStreak != 1 || st.IntervalMs != 100 || st.BreakerOpen {
		t.Fatalf("after first failure: %+v", st)
	}

	cycle(t0.Add(100 * time.Millisecond))
	st, _ = h.s.Status("meter-a")
	if st.FailureStreak != 2 || st.IntervalMs != 400 || !st.BreakerOpen {
		t.Fatalf("after %d failures: %+v", 2, st)
	}

	for _, at := range []time.Duration{200 * time.Millisecond, 499 * time.Millisecond} {
		if n := h.s.dispatch(t0.Add(at)); n != 0 {
			t.Fatalf("polled at +%s before the backed-off interval", at)
		}
	}

	cycle(t0.Add(500 * time.Millisecond))
	st, _ = h.s.Status("meter-a")
	if st.FailureStreak != 3 || st.IntervalMs != 1600 {
		t.Fatalf("after 3 failures: %+v", st)
	}

	c.setRead(nil)
	cycle(t0.Add(2100 * time.Millisecond))
	st, _ = h.s.Status("meter-a")
	if st.FailureStreak != 0 || st.IntervalMs != 100 || st.BreakerOpen {
		t.Fatalf("after recovery: %+v", st)
	}
	if !st.NextDue.Equal(t0.Add(2200 * time.Millisecond)) {
		t.Fatalf("next due %s, want base interval after recovery", st.NextDue.Sub(t0))
	}
}

func TestScheduler_PersistFailureDoesNotBlockCycles(t *testing.T) {
	h := newHarness(t, Options{})
	h.sink.failWith = errors.New("db down")
	h.s.Add(device("meter-a", tcp("10.0.0.1", 502), 10))

	h.s.dispatch(time.Now())
	h.s.wg.Wait()
	st, _ := h.s.Status("meter-a")
	if st.FailureStreak != 0 || st.LastResult == nil || !st.LastResult.Success {
		t.Fatalf("persistence failure must not fail the poll: %+v", st)
	}

	h.s.dispatch(time.Now().Add(time.Second))
	h.s.wg.Wait()
	if rt, hist := h.sink.counts(); rt != 2 || hist != 2 {
		t.Fatalf("sink calls = (%d, %d), want (2, 2)", rt, hist)
	}
	if _, ok := h.s.cache.Peek("meter-a"); !ok {
		t.Fatalf("successful poll not cached")
	}
}

func TestScheduler_WorkerPoolBound(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})
	release := make(chan struct{})
	var inFlight, maxInFlight int32
	ids := []string{"d1", "d2", "d3", "d4"}
	for i, id := range ids {
		id := id
		h.client(id).setRead(func(ctx context.Context) types.PollResult {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
			return okResult(id)
		})
		h.s.Add(device(id, tcp("10.0.0.1", 502+i), 60000))
	}

	now := time.Now()
	if n := h.s.dispatch(now); n != 2 {
		t.Fatalf("first dispatch started %d, want 2", n)
	}
	if n := h.s.dispatch(now); n != 0 {
		t.Fatalf("dispatch with a full pool started %d", n)
	}
	close(release)
	h.s.wg.Wait()

	if n := h.s.dispatch(now); n != 2 {
		t.Fatalf("remaining due devices: started %d, want 2", n)
	}
	h.s.wg.Wait()

	if maxInFlight != 2 {
		t.Fatalf("max in flight = %d", maxInFlight)
	}
	for _, id := range ids {
		if got := atomic.LoadInt32(&h.clients[id].reads); got != 1 {
			t.Fatalf("%s read %d times", id, got)
		}
	}
}

func TestScheduler_BusyBusDoesNotHoldWorkers(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h.s.now = clock.Now
	t0 := clock.Now()

	started := make(chan struct{})
	release := make(chan struct{})
	h.client("rtu-1").setRead(func(ctx context.Context) types.PollResult {
		close(started)
		<-release
		return okResult("rtu-1")
	})

	for i, d := range []types.Device{
		device("rtu-1", rtu("/dev/ttyA", 1), 60000),
		device("rtu-2", rtu("/dev/ttyA", 2), 60000),
		device("rtu-3", rtu("/dev/ttyA", 3), 60000),
		device("tcp-1", tcp("10.0.0.9", 502), 60000),
	} {
		clock.Set(t0.Add(time.Duration(i) * time.Millisecond))
		if err := h.s.Add(d); err != nil {
			t.Fatalf("Add %s: %v", d.ID, err)
		}
	}

	at := t0.Add(10 * time.Millisecond)
	clock.Set(at)
	if n := h.s.dispatch(at); n != 2 {
		t.Fatalf("first dispatch started %d, want rtu-1 and tcp-1", n)
	}
	<-started

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&h.client("tcp-1").reads) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("device on a free bus was not polled")
		}
		time.Sleep(time.Millisecond)
	}
	for _, id := range []string{"rtu-2", "rtu-3"} {
		st, _ := h.s.Status(id)
		if st.Polling || atomic.LoadInt32(&h.client(id).reads) != 0 {
			t.Fatalf("%s started while its bus was busy", id)
		}
	}
	if n := h.s.dispatch(at); n != 0 {
		t.Fatalf("dispatch on a busy bus started %d", n)
	}

	close(release)
	h.s.wg.Wait()

	for _, want := range []string{"rtu-2", "rtu-3"} {
		if n := h.s.dispatch(at); n != 1 {
			t.Fatalf("dispatch for %s started %d, want 1", want, n)
		}
		h.s.wg.Wait()
		if got := atomic.LoadInt32(&h.client(want).reads); got != 1 {
			t.Fatalf("%s read %d times", want, got)
		}
	}
}

func TestScheduler_ReadDuringReplaceIsNotCached(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.client("meter-a")
	started := make(chan struct{})
	release := make(chan struct{})
	c.setRead(func(ctx context.Context) types.PollResult {
		close(started)
		<-release
		res := okResult("meter-a")
		res.Readings[0].ParameterName = "old"
		return res
	})

	d := device("meter-a", tcp("10.0.0.1", 502), 60000)
	h.s.Add(d)

	type outcome struct {
		res types.PollResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.s.ReadNow(context.Background(), "meter-a")
		done <- outcome{res, err}
	}()
	<-started

	c.setRead(nil)
	d.PollingIntervalMs = 30000
	if err := h.s.Replace(d); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	close(release)

	if got := <-done; !errors.Is(got.err, ErrDeviceRemoved) {
		t.Fatalf("read of the replaced definition: want ErrDeviceRemoved, got %v (%+v)", got.err, got.res)
	}

	res, err := h.s.ReadNow(context.Background(), "meter-a")
	if err != nil {
		t.Fatalf("ReadNow: %v", err)
	}
	if len(res.Readings) != 1 || res.Readings[0].ParameterName != "v" {
		t.Fatalf("served a result of the old definition: %+v", res.Readings)
	}
	if got := atomic.LoadInt32(&c.reads); got != 2 {
		t.Fatalf("reads = %d, want a fresh exchange after Replace", got)
	}
}

func TestScheduler_ReadNowCoalescesAndWriteInvalidates(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.client("meter-a")
	c.setRead(func(ctx context.Context) types.PollResult {
		time.Sleep(30 * time.Millisecond)
		return okResult("meter-a")
	})
	h.s.Add(device("meter-a", tcp("10.0.0.1", 502), 60000))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.s.ReadNow(context.Background(), "meter-a"); err != nil {
				t.Errorf("ReadNow: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&c.reads); got != 1 {
		t.Fatalf("concurrent reads caused %d exchanges, want 1", got)
	}

	h.s.ReadNow(context.Background(), "meter-a")
	if got := atomic.LoadInt32(&c.reads); got != 1 {
		t.Fatalf("read within TTL went to the device")
	}

	if err := h.s.WriteParameter(context.Background(), "meter-a", "setpoint", 5); err != nil {
		t.Fatalf("WriteParameter: %v", err)
	}
	h.s.ReadNow(context.Background(), "meter-a")
	if got := atomic.LoadInt32(&c.reads); got != 2 {
		t.Fatalf("read after write should go to the device, reads = %d", got)
	}

	if _, err := h.s.ReadNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("want ErrUnknownDevice, got %v", err)
	}
}

func TestScheduler_AddReplaceRemove(t *testing.T) {
	h := newHarness(t, Options{})
	d := device("meter-a", tcp("10.0.0.1", 502), 1000)

	if err := h.s.Add(d); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.s.Add(d); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("duplicate Add: %v", err)
	}

	disabled := device("meter-b", tcp("10.0.0.2", 502), 1000)
	disabled.Enabled = false
	h.s.Add(disabled)
	if _, ok := h.s.Status("meter-b"); ok {
		t.Fatalf("disabled device must not be scheduled")
	}

	d.PollingIntervalMs = 5000
	if err := h.s.Replace(d); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	st, _ := h.s.Status("meter-a")
	if st.IntervalMs != 5000 {
		t.Fatalf("interval after replace = %d", st.IntervalMs)
	}

	if !h.s.Remove("meter-a") || h.s.Remove("meter-a") {
		t.Fatalf("Remove should report presence once")
	}
	if len(h.s.Statuses()) != 0 {
		t.Fatalf("statuses not empty")
	}
}
