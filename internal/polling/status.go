package polling

import (
	"sort"
	"time"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

// DeviceStatus is the user-visible summary of one scheduled device.
type DeviceStatus struct {
	DeviceID      string                `json:"deviceId"`
	State         types.ConnectionState `json:"connectionState"`
	Polling       bool                  `json:"polling"`
	LastPoll      *time.Time            `json:"lastPoll,omitempty"`
	NextDue       time.Time             `json:"nextDue"`
	FailureStreak int                   `json:"failureStreak"`
	IntervalMs    int64                 `json:"intervalMs"`
	BreakerOpen   bool                  `json:"breakerOpen"`
	LastResult    *types.PollResult     `json:"lastResult,omitempty"`
}

func (s *Scheduler) Status(id string) (DeviceStatus, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return DeviceStatus{}, false
	}
	st := s.statusLocked(e)
	s.mu.Unlock()

	st.State = e.client.State()
	return st, true
}

// Statuses returns all scheduled devices ordered by id.
func (s *Scheduler) Statuses() []DeviceStatus {
	s.mu.Lock()
	list := make([]DeviceStatus, 0, len(s.entries))
	clients := make([]Client, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, s.statusLocked(e))
		clients = append(clients, e.client)
	}
	s.mu.Unlock()

	for i := range list {
		list[i].State = clients[i].State()
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })
	return list
}

func (s *Scheduler) statusLocked(e *entry) DeviceStatus {
	st := DeviceStatus{
		DeviceID:      e.device.ID,
		Polling:       e.running,
		NextDue:       e.nextDue,
		FailureStreak: e.streak,
		IntervalMs:    e.interval.Milliseconds(),
		BreakerOpen:   e.interval > e.device.Interval(s.opts.DefaultInterval),
	}
	if !e.lastPoll.IsZero() {
		t := e.lastPoll
		st.LastPoll = &t
	}
	if e.last != nil {
		r := *e.last
		st.LastResult = &r
	}
	return st
}
