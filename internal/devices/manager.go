// Package devices owns the device registry: definitions from files and the
// database, validation and propagation of changes to the poll scheduler.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/internal/events"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

var (
	ErrNotFound = errors.New("device not found")
	ErrExists   = errors.New("device already exists")
)

// Store persists device definitions. Implemented by storage.PostgresClient.
type Store interface {
	LoadDevices(ctx context.Context) ([]types.Device, error)
	SaveDevice(ctx context.Context, d types.Device) error
	SetDeviceEnabled(ctx context.Context, id string, enabled bool) error
	DeleteDevice(ctx context.Context, id string) error
}

// Scheduler receives the schedulable set. Implemented by polling.Scheduler.
type Scheduler interface {
	Add(device types.Device) error
	Replace(device types.Device) error
	Remove(id string) bool
}

type Manager struct {
	store     Store
	scheduler Scheduler
	loader    *Loader
	validator *Validator
	events    events.Emitter
	logger    *zap.Logger

	// ops serialises mutations so store and scheduler see them in order
	ops sync.Mutex

	mu      sync.RWMutex
	devices map[string]types.Device
}

// NewManager wires the registry. store may be nil for a memory-only
// registry, scheduler nil for one that schedules nothing.
func NewManager(
	searchPaths []string,
	store Store,
	scheduler Scheduler,
	emitter events.Emitter,
	logger *zap.Logger,
) (*Manager, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		store:     store,
		scheduler: scheduler,
		loader:    NewLoader(searchPaths, validator, logger),
		validator: validator,
		events:    emitter,
		logger:    logger,
		devices:   make(map[string]types.Device),
	}, nil
}

// Decode validates a raw JSON definition against the device schema.
func (m *Manager) Decode(data []byte) (types.Device, error) {
	return m.validator.Decode(data)
}

// LoadAll fills the registry from the database and then from definition
// files. The database wins on conflicting IDs; file-only devices are saved.
// Invalid definitions are logged and skipped.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	var stored []types.Device
	if m.store != nil {
		var err error
		stored, err = m.store.LoadDevices(ctx)
		if err != nil {
			return fmt.Errorf("failed to load devices from database: %w", err)
		}
	}

	files, err := m.loader.LoadAll()
	if err != nil {
		m.logger.Warn("Some device definitions were rejected", zap.Error(err))
	}

	loaded := 0
	for _, d := range stored {
		if err := m.validator.Check(&d); err != nil {
			m.logger.Warn("Skipping invalid stored device", zap.String("device_id", d.ID), zap.Error(err))
			continue
		}
		m.register(d)
		loaded++
	}

	for _, d := range files {
		if _, exists := m.lookup(d.ID); exists {
			m.logger.Debug("File definition shadowed by database", zap.String("device_id", d.ID))
			continue
		}
		if m.store != nil {
			if err := m.store.SaveDevice(ctx, d); err != nil {
				m.logger.Warn("Failed to persist file definition", zap.String("device_id", d.ID), zap.Error(err))
			}
		}
		m.register(d)
		loaded++
	}

	m.logger.Info("Device registry loaded", zap.Int("devices", loaded))
	return nil
}

// register stores d and hands it to the scheduler when enabled. Caller
// holds ops.
func (m *Manager) register(d types.Device) {
	m.mu.Lock()
	m.devices[d.ID] = d
	m.mu.Unlock()

	if d.Enabled && m.scheduler != nil {
		if err := m.scheduler.Add(d); err != nil {
			m.logger.Error("Failed to schedule device", zap.String("device_id", d.ID), zap.Error(err))
			return
		}
	}
	m.events.Emit(events.New(events.TypeDeviceAdded, d.ID, map[string]interface{}{
		"enabled": d.Enabled,
	}))
}

// Add registers a new device. An empty ID is generated.
func (m *Manager) Add(ctx context.Context, d types.Device) (types.Device, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := m.validator.Check(&d); err != nil {
		return types.Device{}, err
	}
	if _, exists := m.lookup(d.ID); exists {
		return types.Device{}, fmt.Errorf("%w: %s", ErrExists, d.ID)
	}

	if m.store != nil {
		if err := m.store.SaveDevice(ctx, d); err != nil {
			return types.Device{}, fmt.Errorf("failed to save device: %w", err)
		}
	}
	m.register(d)

	m.logger.Info("Device added",
		zap.String("device_id", d.ID),
		zap.String("path", d.ConnectionSetting.PathKey()),
		zap.Bool("enabled", d.Enabled))
	return d, nil
}

// Update replaces the definition of an existing device. A poll of the old
// definition that is still running is discarded by the scheduler.
func (m *Manager) Update(ctx context.Context, d types.Device) (types.Device, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if err := m.validator.Check(&d); err != nil {
		return types.Device{}, err
	}
	if _, exists := m.lookup(d.ID); !exists {
		return types.Device{}, fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}

	if m.store != nil {
		if err := m.store.SaveDevice(ctx, d); err != nil {
			return types.Device{}, fmt.Errorf("failed to save device: %w", err)
		}
	}

	m.mu.Lock()
	m.devices[d.ID] = d
	m.mu.Unlock()

	if m.scheduler != nil {
		if d.Enabled {
			if err := m.scheduler.Replace(d); err != nil {
				return d, fmt.Errorf("failed to reschedule device: %w", err)
			}
		} else {
			m.scheduler.Remove(d.ID)
		}
	}

	m.logger.Info("Device updated", zap.String("device_id", d.ID), zap.Bool("enabled", d.Enabled))
	return d, nil
}

// Remove deletes the device and stops its polling.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	if _, exists := m.lookup(id); !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if m.store != nil {
		if err := m.store.DeleteDevice(ctx, id); err != nil {
			return fmt.Errorf("failed to delete device: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.devices, id)
	m.mu.Unlock()

	if m.scheduler != nil {
		m.scheduler.Remove(id)
	}
	m.events.Emit(events.New(events.TypeDeviceRemoved, id, nil))

	m.logger.Info("Device removed", zap.String("device_id", id))
	return nil
}

// SetEnabled toggles whether the device is polled.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (types.Device, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	d, exists := m.lookup(id)
	if !exists {
		return types.Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.Enabled == enabled {
		return d, nil
	}

	if m.store != nil {
		if err := m.store.SetDeviceEnabled(ctx, id, enabled); err != nil {
			return types.Device{}, fmt.Errorf("failed to update device: %w", err)
		}
	}

	d.Enabled = enabled
	m.mu.Lock()
	m.devices[id] = d
	m.mu.Unlock()

	if m.scheduler != nil {
		if enabled {
			if err := m.scheduler.Add(d); err != nil {
				return d, fmt.Errorf("failed to schedule device: %w", err)
			}
		} else {
			m.scheduler.Remove(id)
		}
	}

	m.logger.Info("Device enabled state changed", zap.String("device_id", id), zap.Bool("enabled", enabled))
	return d, nil
}

func (m *Manager) Get(id string) (types.Device, bool) {
	return m.lookup(id)
}

// List returns all devices ordered by ID.
func (m *Manager) List() []types.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) lookup(id string) (types.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}
