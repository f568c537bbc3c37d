package websocket

import (
	"time"

	"github.com/fieldpoll/fieldpoll/internal/events"
)

// MessageType defines the type of WebSocket message. Engine events keep
// their event type names.
type MessageType string

const (
	MessageTypeAuthSuccess  MessageType = "auth_success"
	MessageTypeAuthFailed   MessageType = "auth_failed"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeError        MessageType = "error"
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromEvent converts an engine event for the UI.
func FromEvent(ev events.Event) Message {
	return Message{
		Type:      MessageType(ev.Type),
		DeviceID:  ev.DeviceID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

// ClientMessage is a command sent by the UI.
//
//	{"type": "auth", "token": "..."}
//	{"type": "subscribe", "device_ids": ["meter-1"]}
//	{"type": "unsubscribe", "device_ids": ["meter-1"]}
//
// An empty subscription receives every device.
type ClientMessage struct {
	Type      string   `json:"type"`
	Token     string   `json:"token,omitempty"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}
