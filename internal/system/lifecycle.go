// Package system wires the service together and owns its start and
// shutdown order.
package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fieldpoll/fieldpoll/internal/api/rest"
	"github.com/fieldpoll/fieldpoll/internal/api/websocket"
	"github.com/fieldpoll/fieldpoll/internal/auth"
	"github.com/fieldpoll/fieldpoll/internal/cache"
	"github.com/fieldpoll/fieldpoll/internal/config"
	"github.com/fieldpoll/fieldpoll/internal/devices"
	"github.com/fieldpoll/fieldpoll/internal/events"
	"github.com/fieldpoll/fieldpoll/internal/interfaces"
	"github.com/fieldpoll/fieldpoll/internal/metrics"
	"github.com/fieldpoll/fieldpoll/internal/modbus"
	"github.com/fieldpoll/fieldpoll/internal/polling"
	"github.com/fieldpoll/fieldpoll/internal/storage"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

// PollerService is the gRPC health service name of the poll engine.
const PollerService = "fieldpoll.Poller"

type LifecycleManager struct {
	config        config.Config
	storage       *storage.PostgresClient
	bus           *events.Bus
	registry      *prometheus.Registry
	scheduler     *polling.Scheduler
	deviceManager *devices.Manager
	verifier      *auth.TokenVerifier
	wsHub         *websocket.Hub
	logger        *zap.Logger

	restServer   *rest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	stateMu      sync.RWMutex
	currentState SystemState

	cancelRun    context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component. store may be nil, which
// runs the engine without persistence.
func NewLifecycleManager(
	store *storage.PostgresClient,
	cfg config.Config,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	bus := events.NewBus(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	resultCache := cache.New(cfg.CacheOptions(), m, logger)

	newClient := modbus.NewClientFactory(cfg.ConnectionOptions(), modbus.Dial, bus, logger)
	factory := func(d types.Device) (polling.Client, error) {
		return newClient(d), nil
	}

	var sink polling.Sink
	var deviceStore devices.Store
	if store != nil {
		sink = store
		deviceStore = store
	}

	scheduler := polling.NewScheduler(cfg.PollingOptions(), factory, sink, resultCache, bus, m, logger)

	deviceManager, err := devices.NewManager(cfg.Devices.SearchPaths, deviceStore, scheduler, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}

	verifier := auth.NewTokenVerifier(cfg.Auth.GetJWTSecret())
	if !verifier.Enabled() {
		logger.Warn("No JWT secret configured, mutating routes are unauthenticated",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	return &LifecycleManager{
		config:        cfg,
		storage:       store,
		bus:           bus,
		registry:      registry,
		scheduler:     scheduler,
		deviceManager: deviceManager,
		verifier:      verifier,
		wsHub:         websocket.NewHub(logger, verifier),
		logger:        logger,
		currentState:  StateInitializing,
		shutdownChan:  make(chan struct{}),
	}, nil
}

// Start starts the entire system
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting fieldpoll")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lm.cancelRun = cancel

	go lm.wsHub.Run(runCtx)
	go lm.wsHub.Relay(runCtx, lm.bus)

	// Load devices from database and definition files
	if err := lm.deviceManager.LoadAll(ctx); err != nil {
		lm.logger.Warn("Failed to load devices", zap.Error(err))
		// Continue anyway, devices can be added via the API
	}

	if err := lm.scheduler.Start(runCtx); err != nil {
		lm.setError(fmt.Errorf("failed to start scheduler: %w", err))
		return err
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lm.health.SetServingStatus(PollerService, healthpb.HealthCheckResponse_SERVING)

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", len(lm.deviceManager.List())),
		zap.Bool("persistence", lm.storage != nil))

	return nil
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	if lm.health != nil {
		lm.health.Shutdown()
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. Stop scheduler (in-flight cycles & connections)
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.scheduler.Stop()
	}()

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 3. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	}
	if err == nil {
		select {
		case err = <-errChan:
		default:
		}
	}

	// websocket clients and event relay last, so final events still go out
	if lm.cancelRun != nil {
		lm.cancelRun()
	}
	lm.bus.Close()
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcListener = lis

	lm.grpcServer = grpc.NewServer()
	lm.health = health.NewServer()
	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	lm.health.SetServingStatus(PollerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	metricsHandler := promhttp.HandlerFor(lm.registry, promhttp.HandlerOpts{})
	lm.restServer = rest.NewServer(lm, lm.logger, lm.wsHub, lm.verifier, metricsHandler)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	statuses := lm.scheduler.Statuses()
	connected := 0
	for _, st := range statuses {
		if st.State == types.StateConnected {
			connected++
		}
	}

	return interfaces.SystemStatus{
		State:            lm.State().String(),
		DeviceCount:      len(lm.deviceManager.List()),
		ScheduledDevices: len(statuses),
		ConnectedDevices: connected,
		SchedulerRunning: lm.scheduler.Running(),
	}
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

func (lm *LifecycleManager) Config() config.Config {
	return lm.config
}

func (lm *LifecycleManager) Devices() interfaces.DeviceRegistry {
	return lm.deviceManager
}

func (lm *LifecycleManager) Engine() interfaces.PollEngine {
	return lm.scheduler
}

// History returns nil when running without a database.
func (lm *LifecycleManager) History() interfaces.HistoryStore {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}
