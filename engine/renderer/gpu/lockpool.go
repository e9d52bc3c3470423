package gpu

import "sync"

type LockGroup string

const (
	MemoryManagement     LockGroup = "memory_management"
	BufferManagement     LockGroup = "buffer_management"
	CommandRecording     LockGroup = "command_recording"
	DeviceManagement     LockGroup = "device_management"
	SubmissionManagement LockGroup = "submission_management"
)

// LockPool serializes calls into a device shared between goroutines. The
// device itself never locks: callers wrap every operation touching the
// same resources in SafeCall with the same group.
type LockPool struct {
	locks map[LockGroup]*sync.Mutex
	mu    sync.Mutex // Protects access to both maps

	queueMutexes map[uint32]*sync.Mutex // Queue family index as key
}

func NewLockPool() *LockPool {
	return &LockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

// Get or create the mutex for a specific group
func (lp *LockPool) lock(group LockGroup) *sync.Mutex {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if _, exists := lp.locks[group]; !exists {
		lp.locks[group] = &sync.Mutex{}
	}
	return lp.locks[group]
}

func (lp *LockPool) SafeCall(group LockGroup, fn func() error) error {
	l := lp.lock(group)
	l.Lock()
	defer l.Unlock()

	return fn()
}

func (lp *LockPool) SetQueueFamily(index uint32) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if _, exists := lp.queueMutexes[index]; !exists {
		lp.queueMutexes[index] = &sync.Mutex{}
	}
}

// SafeQueueCall serializes fn with every other call on the same queue
// family. Unknown families are registered on first use.
func (lp *LockPool) SafeQueueCall(queueFamilyIndex uint32, fn func() error) error {
	lp.SetQueueFamily(queueFamilyIndex)

	lp.mu.Lock()
	l := lp.queueMutexes[queueFamilyIndex]
	lp.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	return fn()
}
