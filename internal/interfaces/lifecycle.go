package interfaces

import (
	"context"

	"github.com/fieldpoll/fieldpoll/internal/config"
	"github.com/fieldpoll/fieldpoll/internal/polling"
	"github.com/fieldpoll/fieldpoll/internal/storage"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	DeviceCount      int    `json:"device_count"`
	ScheduledDevices int    `json:"scheduled_devices"`
	ConnectedDevices int    `json:"connected_devices"`
	SchedulerRunning bool   `json:"scheduler_running"`
}

// DeviceRegistry is implemented by devices.Manager.
type DeviceRegistry interface {
	Decode(data []byte) (types.Device, error)
	Add(ctx context.Context, d types.Device) (types.Device, error)
	Update(ctx context.Context, d types.Device) (types.Device, error)
	Remove(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) (types.Device, error)
	Get(id string) (types.Device, bool)
	List() []types.Device
}

// PollEngine is implemented by polling.Scheduler.
type PollEngine interface {
	ReadNow(ctx context.Context, id string) (types.PollResult, error)
	WriteParameter(ctx context.Context, id, name string, value float64) error
	Status(id string) (polling.DeviceStatus, bool)
	Statuses() []polling.DeviceStatus
	Running() bool
}

// HistoryStore is implemented by storage.PostgresClient.
type HistoryStore interface {
	LatestSnapshot(ctx context.Context, deviceID string) (storage.Snapshot, error)
	History(ctx context.Context, deviceID string, q storage.HistoryQuery) ([]storage.HistoryPoint, error)
	Ping(ctx context.Context) error
}

type LifecycleManager interface {
	Config() config.Config
	Devices() DeviceRegistry
	Engine() PollEngine
	History() HistoryStore
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
