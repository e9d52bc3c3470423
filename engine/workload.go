package engine

import "github.com/spaghettifunk/vkmem/engine/renderer/gpu"

// Workload is the code driven by the engine. It receives the device and
// the default pool once they exist and then runs its steps in order.
type Workload struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	Steps             []Step
	FnShutdown        Shutdown
}

type Step struct {
	Name string
	Fn   func() error
}

type Initialize func(device *gpu.Device, pool *gpu.MemoryPool) error
type Shutdown func() error
