package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/spaghettifunk/vkmem/engine/renderer/headless"
	"github.com/spaghettifunk/vkmem/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Device and pools are gone
	EngineStageShutdown
)

type Engine struct {
	currentStage Stage
	workload     *Workload
	config       *core.Config
	watcher      *core.ConfigWatcher
	events       *core.EventBus
	device       *gpu.Device
	pool         *gpu.MemoryPool
	clock        *core.Clock
}

func New(w *Workload) (*Engine, error) {
	if w == nil || w.ApplicationConfig == nil {
		return nil, fmt.Errorf("workload without application config")
	}
	path := w.ApplicationConfig.ConfigPath
	if path == "" {
		path = core.DEFAULT_CONFIG_PATH
		w.ApplicationConfig.ConfigPath = path
	}

	cfg, err := core.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if w.ApplicationConfig.LogLevel != "" {
		cfg.Log.Level = w.ApplicationConfig.LogLevel
	}
	if w.ApplicationConfig.Name != "" {
		cfg.Device.Name = w.ApplicationConfig.Name
	}
	if err := cfg.Apply(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		workload:     w,
		config:       cfg,
		events:       core.NewEventBus(),
		clock:        core.NewClock(),
	}, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Config() *core.Config {
	return e.config
}

func (e *Engine) Device() *gpu.Device {
	return e.device
}

func (e *Engine) Pool() *gpu.MemoryPool {
	return e.pool
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

// Initialize opens the configured backend, builds the device and the
// default pool and hands both to the workload.
func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("engine already initialized")
	}
	e.currentStage = EngineStageInitializing

	for _, code := range []core.SystemEventCode{
		core.EVENT_CODE_POOL_CREATED,
		core.EVENT_CODE_POOL_DESTROYED,
		core.EVENT_CODE_BUFFER_CREATED,
		core.EVENT_CODE_BUFFER_RELEASED,
		core.EVENT_CODE_SUBMISSION_COMPLETED,
		core.EVENT_CODE_DEVICE_DESTROYED,
	} {
		e.events.Register(code, e, e.onEvent)
	}

	if !e.workload.ApplicationConfig.NoWatch {
		watcher, err := core.WatchConfig(e.workload.ApplicationConfig.ConfigPath, e.onConfigChanged)
		if err != nil {
			// the engine runs fine without hot reload
			core.LogWarn("configuration watcher disabled: %s", err)
		}
		e.watcher = watcher
	}

	native, err := openNative(e.config)
	if err != nil {
		return err
	}
	device, err := gpu.NewDevice(native,
		gpu.WithDeviceName(e.config.Device.Name),
		gpu.WithMaxInFlight(e.config.Device.MaxInFlight),
		gpu.WithEventBus(e.events),
	)
	if err != nil {
		native.Destroy()
		return err
	}
	e.device = device

	pool, err := newPool(device, e.config.Pool)
	if err != nil {
		return err
	}
	e.pool = pool

	if e.workload.FnInitialize != nil {
		if err := e.workload.FnInitialize(device, pool); err != nil {
			core.LogError("workload initialization failed: %s", err)
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

func openNative(cfg *core.Config) (gpu.Native, error) {
	switch cfg.Device.Backend {
	case "vulkan":
		native, err := vulkan.FromConfig(cfg.Device)
		if err != nil {
			return nil, err
		}
		return native, nil
	case "headless", "":
		native, err := headless.FromConfig(cfg.Headless)
		if err != nil {
			return nil, err
		}
		return native, nil
	}
	return nil, fmt.Errorf("device.backend '%s': %w", cfg.Device.Backend, core.ErrUnknownBackend)
}

func newPool(device *gpu.Device, cfg core.PoolConfig) (*gpu.MemoryPool, error) {
	strategy, err := gpu.ParseAllocationStrategy(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("pool.strategy: %s: %w", err.Error(), core.ErrInvalidConfig)
	}
	properties, err := gpu.ParseMemoryProperties(cfg.Properties)
	if err != nil {
		return nil, fmt.Errorf("pool.properties: %s: %w", err.Error(), core.ErrInvalidConfig)
	}
	return device.NewMemoryPool(cfg.Size,
		gpu.WithPoolName("default"),
		gpu.WithStrategy(strategy),
		gpu.WithMemoryProperties(properties),
	)
}

// Run executes the workload steps in order. Cancelling ctx stops the run
// between two steps; the step in progress always completes.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine is not initialized")
	}
	e.currentStage = EngineStageRunning
	e.clock.Start()

	for i, step := range e.workload.Steps {
		if err := ctx.Err(); err != nil {
			core.LogWarn("run cancelled before step %d '%s'", i+1, step.Name)
			return err
		}
		e.clock.Update()
		before := e.clock.Elapsed()
		if err := step.Fn(); err != nil {
			err = fmt.Errorf("step %d '%s': %w", i+1, step.Name, err)
			core.LogError(err.Error())
			return err
		}
		e.clock.Update()
		core.LogDebug("step %d '%s' done in %s", i+1, step.Name, e.clock.Elapsed()-before)
	}

	e.clock.Stop()
	stats := e.pool.Stats()
	core.LogInfo("pool '%s': capacity=%d allocated=%d free_ranges=%d allocations=%d frees=%d failures=%d peak=%d avg=%.1f",
		e.pool.Name(), stats.Capacity, stats.Allocated, stats.FreeRanges, stats.Allocations,
		stats.Frees, stats.Failures, stats.PeakInUse, stats.AverageAllocationSize)
	core.LogInfo("%d steps completed in %s", len(e.workload.Steps), e.clock.Elapsed())
	return nil
}

// Shutdown destroys the default pool and the device. A pool with live
// allocations is left alone and reported, which also keeps the device.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShutdown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	var errs []error
	if e.workload.FnShutdown != nil {
		errs = append(errs, e.workload.FnShutdown())
	}
	if e.pool != nil && !e.pool.Released() {
		errs = append(errs, e.pool.Destroy())
	}
	if e.device != nil && !e.device.Released() {
		errs = append(errs, e.device.Destroy())
	}
	if e.watcher != nil {
		errs = append(errs, e.watcher.Close())
		e.watcher = nil
	}
	e.events.Shutdown()

	e.currentStage = EngineStageShutdown
	return errors.Join(errs...)
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_POOL_CREATED:
		core.LogDebug("pool '%s' created with %d bytes on memory type %d", data.Data.C[0], data.Data.U64[0], data.Data.U32[0])
	case core.EVENT_CODE_POOL_DESTROYED:
		core.LogDebug("pool '%s' destroyed", data.Data.C[0])
	case core.EVENT_CODE_BUFFER_CREATED:
		core.LogDebug("%s buffer %d bound at [%d, %d)", data.Data.C[0], data.Data.U32[0], data.Data.U64[0], data.Data.U64[0]+data.Data.U64[1])
	case core.EVENT_CODE_BUFFER_RELEASED:
		core.LogDebug("buffer %d released [%d, %d)", data.Data.U32[0], data.Data.U64[0], data.Data.U64[0]+data.Data.U64[1])
	case core.EVENT_CODE_SUBMISSION_COMPLETED:
		core.LogDebug("recording %s with %d commands completed after %dns", data.Data.C[0], data.Data.U32[0], data.Data.I64[0])
	case core.EVENT_CODE_DEVICE_DESTROYED:
		core.LogDebug("device '%s' destroyed", data.Data.C[0])
	}
	// let other listeners see it
	return false
}

func (e *Engine) onConfigChanged(cfg *core.Config) {
	if cfg.Device != e.config.Device || cfg.Pool.Size != e.config.Pool.Size || cfg.Pool.Strategy != e.config.Pool.Strategy {
		core.LogWarn("device and pool settings changed on disk, they apply on the next start")
	}
}
