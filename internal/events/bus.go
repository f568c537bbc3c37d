// Package events fans engine events out to subscribers (websocket hub,
// alerting, tests) without coupling emitters to any consumer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	TypeConnecting       Type = "connecting"
	TypeConnected        Type = "connected"
	TypeDisconnected     Type = "disconnected"
	TypeConnectionError  Type = "connection_error"
	TypeParameterRead    Type = "parameter_read"
	TypeParameterWritten Type = "parameter_written"
	TypePollStarted      Type = "poll_started"
	TypePollCompleted    Type = "poll_completed"
	TypePollError        Type = "poll_error"
	TypeDeviceAdded      Type = "device_added"
	TypeDeviceRemoved    Type = "device_removed"
)

type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      Type                   `json:"type"`
	DeviceID  string                 `json:"deviceId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func New(t Type, deviceID string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Emitter is the outbound side handed to engine components.
type Emitter interface {
	Emit(Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// Bus is a non-blocking fan-out. A subscriber whose buffer is full misses
// the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string
	logger      *zap.Logger
	bufferSize  int
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[chan Event]string),
		logger:      logger,
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events for deviceID, or for every
// device when deviceID is empty.
func (b *Bus) Subscribe(deviceID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[ch] = deviceID
	return ch
}

func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != ev.DeviceID {
			continue
		}
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Event subscriber full, event dropped",
				zap.String("event_type", string(ev.Type)),
				zap.String("device_id", ev.DeviceID))
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]string)
}
