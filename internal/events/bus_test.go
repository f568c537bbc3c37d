package events

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestBus_FilterAndFanOut(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	all := bus.Subscribe("")
	one := bus.Subscribe("dev-1")

	bus.Emit(New(TypePollStarted, "dev-1", nil))
	bus.Emit(New(TypePollStarted, "dev-2", nil))

	if got := len(all); got != 2 {
		t.Fatalf("wildcard subscriber: want 2 events, got %d", got)
	}
	if got := len(one); got != 1 {
		t.Fatalf("filtered subscriber: want 1 event, got %d", got)
	}
	ev := <-one
	if ev.DeviceID != "dev-1" || ev.Type != TypePollStarted {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	ch := bus.Subscribe("")

	for i := 0; i < bus.bufferSize+10; i++ {
		bus.Emit(New(TypeParameterRead, "dev", nil))
	}
	if len(ch) != bus.bufferSize {
		t.Fatalf("want buffer full at %d, got %d", bus.bufferSize, len(ch))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe("")
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	bus.Emit(New(TypeDeviceAdded, "dev", nil))
}
