package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

const DEFAULT_CONFIG_PATH = "vkmem.toml"

type Config struct {
	Log      LogConfig      `toml:"log"`
	Device   DeviceConfig   `toml:"device"`
	Headless HeadlessConfig `toml:"headless"`
	Pool     PoolConfig     `toml:"pool"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Prefix string `toml:"prefix"`
}

type DeviceConfig struct {
	// headless or vulkan
	Backend       string `toml:"backend"`
	Name          string `toml:"name"`
	MaxInFlight   int    `toml:"max_in_flight"`
	UseGLFWLoader bool   `toml:"use_glfw_loader"`
	// Enables VK_LAYER_KHRONOS_validation on the vulkan backend.
	Validation bool `toml:"validation"`
}

type MemoryTypeConfig struct {
	Heap uint32 `toml:"heap"`
	// any of device_local, host_visible, host_coherent, host_cached, lazily_allocated
	Properties []string `toml:"properties"`
}

type MemoryHeapConfig struct {
	Size        uint64 `toml:"size"`
	DeviceLocal bool   `toml:"device_local"`
}

type HeadlessConfig struct {
	DeviceName string `toml:"device_name"`
	// discrete, integrated, virtual, cpu or other
	Kind                     string             `toml:"kind"`
	Heaps                    []MemoryHeapConfig `toml:"heaps"`
	MemoryTypes              []MemoryTypeConfig `toml:"memory_types"`
	MaxBufferSize            uint64             `toml:"max_buffer_size"`
	MaxMemoryAllocationCount uint32             `toml:"max_memory_allocation_count"`
	NonCoherentAtomSize      uint64             `toml:"non_coherent_atom_size"`
	MaxVertexInputAttributes uint32             `toml:"max_vertex_input_attributes"`
	MaxDrawIndexedIndexValue uint32             `toml:"max_draw_indexed_index_value"`
}

type PoolConfig struct {
	Size uint64 `toml:"size"`
	// first_fit, best_fit or linear
	Strategy   string   `toml:"strategy"`
	Properties []string `toml:"properties"`
}

// DefaultConfig mirrors the values used when no configuration file exists.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Device: DeviceConfig{
			Backend:     "headless",
			Name:        "vkmem",
			MaxInFlight: 8,
		},
		Headless: HeadlessConfig{
			DeviceName: "vkmem headless",
			Kind:       "cpu",
		},
		Pool: PoolConfig{
			Size:       1 << 20,
			Strategy:   "first_fit",
			Properties: []string{"host_visible", "host_coherent"},
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. A missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			LogDebug("config file '%s' not found, using defaults", path)
			return cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			err = fmt.Errorf("%s:%d:%d: %s: %w", path, row, col, decodeErr.Error(), ErrInvalidConfig)
		} else {
			err = fmt.Errorf("%s: %s: %w", path, err.Error(), ErrInvalidConfig)
		}
		LogError(err.Error())
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		LogError(err.Error())
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "headless", "vulkan":
	default:
		return fmt.Errorf("device.backend '%s': %w", c.Device.Backend, ErrUnknownBackend)
	}
	if c.Device.MaxInFlight < 1 {
		return fmt.Errorf("device.max_in_flight must be at least 1, got %d: %w", c.Device.MaxInFlight, ErrInvalidConfig)
	}
	switch c.Pool.Strategy {
	case "first_fit", "best_fit", "linear":
	default:
		return fmt.Errorf("pool.strategy '%s': %w", c.Pool.Strategy, ErrInvalidConfig)
	}
	if len(c.Headless.MemoryTypes) > 0 {
		for i, mt := range c.Headless.MemoryTypes {
			if int(mt.Heap) >= len(c.Headless.Heaps) {
				return fmt.Errorf("headless.memory_types[%d] references heap %d but only %d heaps are configured: %w",
					i, mt.Heap, len(c.Headless.Heaps), ErrInvalidConfig)
			}
		}
	}
	return nil
}

// Apply pushes the logging section into the global logger.
func (c *Config) Apply() error {
	if c.Log.Prefix != "" {
		SetLogPrefix(c.Log.Prefix)
	}
	if c.Log.Level != "" {
		if err := SetLogLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level '%s': %w", c.Log.Level, ErrInvalidConfig)
		}
	}
	return nil
}

// ConfigWatcher reloads the configuration file when it changes on disk.
type ConfigWatcher struct {
	path     string
	onChange func(*Config)
	fsnotify *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
}

// WatchConfig watches the directory of path so editors that replace the
// file on save are picked up too. Each successful reload is applied to the
// logger before onChange runs. onChange may be nil.
func WatchConfig(path string, onChange func(*Config)) (*ConfigWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatch.Add(filepath.Dir(path)); err != nil {
		fsWatch.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go cw.start()
	return cw, nil
}

func (cw *ConfigWatcher) start() {
	defer close(cw.stopped)
	for {
		select {
		case e, ok := <-cw.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != cw.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cw.reload()

		case e, ok := <-cw.fsnotify.Errors:
			if !ok {
				return
			}
			LogError(e.Error())

		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		// keep running with the previous configuration
		return
	}
	if err := cfg.Apply(); err != nil {
		LogError(err.Error())
		return
	}
	LogInfo("configuration reloaded from '%s'", cw.path)
	if cw.onChange != nil {
		cw.onChange(cfg)
	}
}

func (cw *ConfigWatcher) Close() error {
	select {
	case <-cw.done:
		return nil
	default:
	}
	close(cw.done)
	err := cw.fsnotify.Close()
	<-cw.stopped
	return err
}
