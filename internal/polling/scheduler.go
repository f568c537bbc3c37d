// Package polling drives the poll cycles of the device fleet: per-device
// due tracking, a bounded worker pool, retries, circuit breaking and
// per-bus serialization.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fieldpoll/fieldpoll/internal/cache"
	"github.com/fieldpoll/fieldpoll/internal/events"
	"github.com/fieldpoll/fieldpoll/internal/metrics"
	"github.com/fieldpoll/fieldpoll/internal/modbus"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

var (
	ErrUnknownDevice = errors.New("device not scheduled")
	ErrDeviceExists  = errors.New("device already scheduled")
	ErrDeviceRemoved = errors.New("device removed during poll")
	ErrStopped       = errors.New("scheduler stopped")
)

// Client is the per-device protocol client, implemented by
// modbus.DeviceClient.
type Client interface {
	ReadAll(ctx context.Context) types.PollResult
	WriteParameter(ctx context.Context, name string, value float64) error
	State() types.ConnectionState
	Close() error
}

type ClientFactory func(types.Device) (Client, error)

// Sink receives every successful scheduled poll. Calls are synchronous.
type Sink interface {
	UpsertRealtime(ctx context.Context, deviceID string, readings []types.Reading, ts time.Time) error
	AppendHistorical(ctx context.Context, deviceID string, readings []types.Reading, ts time.Time) error
}

type entry struct {
	device types.Device
	path   string
	client Client
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	running  bool
	lastPoll time.Time
	nextDue  time.Time
	streak   int
	interval time.Duration
	last     *types.PollResult
}

type Scheduler struct {
	opts    Options
	factory ClientFactory
	sink    Sink
	cache   *cache.Cache
	events  events.Emitter
	metrics *metrics.Collectors
	logger  *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	locks   *PathLocks
	workers *semaphore.Weighted
	wg      sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*entry
	busy     map[string]bool // paths with a scheduled cycle in flight
	gen      uint64
	running  bool
	stopped  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

func NewScheduler(
	opts Options,
	factory ClientFactory,
	sink Sink,
	c *cache.Cache,
	emitter events.Emitter,
	m *metrics.Collectors,
	logger *zap.Logger,
) *Scheduler {
	opts = opts.withDefaults()
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = cache.New(cache.Options{}, m, logger)
	}
	return &Scheduler{
		opts:    opts,
		factory: factory,
		sink:    sink,
		cache:   c,
		events:  emitter,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
		locks:   NewPathLocks(),
		workers: semaphore.NewWeighted(int64(opts.Workers)),
		entries: make(map[string]*entry),
		busy:    make(map[string]bool),
	}
}

// Add schedules an enabled device; the first poll is due immediately.
// Disabled devices are ignored.
func (s *Scheduler) Add(device types.Device) error {
	if !device.Enabled {
		return nil
	}

	client, err := s.factory(device)
	if err != nil {
		return fmt.Errorf("create client for %s: %w", device.ID, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		client.Close()
		return ErrStopped
	}
	if _, exists := s.entries[device.ID]; exists {
		s.mu.Unlock()
		client.Close()
		return ErrDeviceExists
	}
	s.insertLocked(device, client)
	s.mu.Unlock()

	s.logger.Info("Device scheduled",
		zap.String("device_id", device.ID),
		zap.Duration("interval", device.Interval(s.opts.DefaultInterval)))
	return nil
}

// Replace swaps in a new snapshot of device. A poll of the old snapshot
// still in flight is discarded.
func (s *Scheduler) Replace(device types.Device) error {
	s.Remove(device.ID)
	return s.Add(device)
}

// Remove cancels pending and in-flight polls of id. It reports whether the
// device was scheduled.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	e.cancel()
	closeNow := !e.running
	s.mu.Unlock()

	if closeNow {
		e.client.Close()
	}
	s.cache.Invalidate(id)
	s.metrics.Forget(id)

	s.logger.Info("Device unscheduled", zap.String("device_id", id))
	return true
}

func (s *Scheduler) insertLocked(device types.Device, client Client) {
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	interval := device.Interval(s.opts.DefaultInterval)
	s.entries[device.ID] = &entry{
		device:   device,
		path:     device.ConnectionSetting.PathKey(),
		client:   client,
		gen:      s.gen,
		ctx:      ctx,
		cancel:   cancel,
		nextDue:  s.now(),
		interval: interval,
	}
}

// Start runs the dispatch loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.loopDone)

	s.logger.Info("Polling scheduler started",
		zap.Int("workers", s.opts.Workers),
		zap.Duration("tick", s.opts.Tick))
	return nil
}

// Stop ends the loop, cancels every device and waits for cycles in flight.
// A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.stopLoop != nil {
		s.stopLoop()
	}
	loopDone := s.loopDone
	for _, e := range s.entries {
		e.cancel()
	}
	s.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	s.wg.Wait()

	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.running = false
	s.mu.Unlock()

	for _, e := range entries {
		e.client.Close()
	}
	s.logger.Info("Polling scheduler stopped")
}

// Running reports whether the dispatch loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.stopped
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	s.dispatch(s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(s.now())
		}
	}
}

// dispatch starts a cycle for each due device while worker slots are free.
// A due device that finds no slot, or whose bus already carries a cycle,
// waits for the next tick without holding a slot.
func (s *Scheduler) dispatch(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.running && !now.Before(e.nextDue) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].nextDue.Before(due[j].nextDue) })

	started := 0
	for _, e := range due {
		if s.busy[e.path] {
			continue
		}
		if !s.workers.TryAcquire(1) {
			break
		}
		s.busy[e.path] = true
		e.running = true
		started++
		s.wg.Add(1)
		go s.runCycle(e.ctx, e, e.gen, e.client, e.device)
	}
	return started
}

func (s *Scheduler) runCycle(ctx context.Context, e *entry, gen uint64, client Client, device types.Device) {
	defer s.wg.Done()
	defer s.workers.Release(1)
	defer s.releasePath(e.path)

	logger := s.logger.With(zap.String("device_id", device.ID))
	epoch := s.cache.Epoch(device.ID)
	start := time.Now()
	s.emit(events.TypePollStarted, device.ID, nil)

	var res types.PollResult
	for attempt := 0; ; attempt++ {
		var err error
		res, err = s.cache.Refresh(ctx, device.ID, func(context.Context) types.PollResult {
			return s.exchange(ctx, e, gen, client)
		})
		if err != nil {
			res = failed(device.ID, s.now(), err)
			break
		}
		if res.Success || !modbus.IsRetryable(res.Err) || attempt >= s.opts.MaxRetries {
			break
		}

		delay := s.opts.retryDelay(attempt)
		s.metrics.Retry(device.ID)
		logger.Warn("Poll failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(res.Err))
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
	}

	s.metrics.Poll(device.ID, res.Success, time.Since(start))
	s.complete(ctx, gen, epoch, client, res, logger)
}

func (s *Scheduler) releasePath(path string) {
	s.mu.Lock()
	delete(s.busy, path)
	s.mu.Unlock()
}

// exchange performs one ReadAll while holding the device's bus. The read
// itself is not cancelled; a removed device's result is dropped later.
func (s *Scheduler) exchange(ctx context.Context, e *entry, gen uint64, client Client) types.PollResult {
	unlock, err := s.locks.Lock(ctx, e.path)
	if err != nil {
		return failed(e.device.ID, s.now(), err)
	}
	defer unlock()

	if ctx.Err() != nil {
		return failed(e.device.ID, s.now(), ErrDeviceRemoved)
	}
	res := client.ReadAll(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		// removed, replaced or disabled while the exchange ran
		return failed(e.device.ID, s.now(), ErrDeviceRemoved)
	}
	return res
}

func (s *Scheduler) complete(ctx context.Context, gen, epoch uint64, client Client, res types.PollResult, logger *zap.Logger) {
	s.mu.Lock()
	e, ok := s.entries[res.DeviceID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		// the device was removed or replaced while polling
		client.Close()
		logger.Debug("Discarding poll result of removed device")
		return
	}
	e.running = false
	if ctx.Err() != nil {
		s.mu.Unlock()
		logger.Debug("Discarding poll result of cancelled device")
		return
	}

	now := s.now()
	base := e.device.Interval(s.opts.DefaultInterval)
	wasOpen := e.interval > base
	if res.Success {
		e.streak = 0
	} else {
		e.streak++
	}
	e.interval = s.opts.effectiveInterval(base, e.streak)
	e.lastPoll = now
	e.nextDue = now.Add(e.interval)
	e.last = &res
	streak := e.streak
	interval := e.interval
	s.mu.Unlock()

	isOpen := interval > base
	if isOpen != wasOpen {
		s.metrics.Breaker(res.DeviceID, isOpen)
		if isOpen {
			logger.Warn("Device backed off",
				zap.Int("streak", streak),
				zap.Duration("interval", interval))
		} else {
			logger.Info("Device recovered", zap.Duration("interval", interval))
		}
	}

	if !res.Success {
		logger.Error("Poll cycle failed", zap.Int("streak", streak), zap.Error(res.Err))
		s.emit(events.TypePollError, res.DeviceID, map[string]interface{}{
			"error":  res.Error,
			"streak": streak,
		})
		s.emit(events.TypePollCompleted, res.DeviceID, map[string]interface{}{"success": false})
		return
	}

	s.persist(ctx, res, logger)
	s.cache.Put(res, epoch)
	s.emit(events.TypePollCompleted, res.DeviceID, map[string]interface{}{
		"success":  true,
		"readings": res.Readings,
	})
}

func (s *Scheduler) persist(ctx context.Context, res types.PollResult, logger *zap.Logger) {
	if s.sink == nil {
		return
	}
	if err := s.sink.UpsertRealtime(ctx, res.DeviceID, res.Readings, res.Timestamp); err != nil {
		s.metrics.PersistFailure("realtime")
		logger.Warn("Failed to store realtime snapshot", zap.Error(err))
	}
	if err := s.sink.AppendHistorical(ctx, res.DeviceID, res.Readings, res.Timestamp); err != nil {
		s.metrics.PersistFailure("historical")
		logger.Warn("Failed to append history", zap.Error(err))
	}
}

// ReadNow serves an on-demand read through the cache. The caller's ctx
// bounds only its own wait. A device removed or replaced while its read
// runs yields ErrDeviceRemoved.
func (s *Scheduler) ReadNow(ctx context.Context, id string) (types.PollResult, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return types.PollResult{}, ErrUnknownDevice
	}
	entryCtx, gen, client := e.ctx, e.gen, e.client
	s.mu.Unlock()

	res, err := s.cache.Get(ctx, id, func(context.Context) types.PollResult {
		return s.exchange(entryCtx, e, gen, client)
	})
	if err != nil {
		return types.PollResult{}, err
	}
	if errors.Is(res.Err, ErrDeviceRemoved) {
		return types.PollResult{}, ErrDeviceRemoved
	}
	return res, nil
}

// WriteParameter writes one parameter while holding the device's bus and
// drops the cached result.
func (s *Scheduler) WriteParameter(ctx context.Context, id, name string, value float64) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDevice
	}
	path, client := e.path, e.client
	s.mu.Unlock()

	unlock, err := s.locks.Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := client.WriteParameter(ctx, name, value); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	return nil
}

func (s *Scheduler) emit(t events.Type, deviceID string, data map[string]interface{}) {
	s.events.Emit(events.New(t, deviceID, data))
}

func failed(deviceID string, ts time.Time, err error) types.PollResult {
	res := types.PollResult{DeviceID: deviceID, Timestamp: ts.UTC()}
	res.Fail(err)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
