package gpu

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/core"
)

const DEFAULT_MAX_IN_FLIGHT = 8

type deviceState struct {
	id     uuid.UUID
	name   string
	native Native
	caps   *DeviceCapabilities
	owners *core.Identifiers
	events *core.EventBus
	// Recordings handed to the native queue and not yet waited on. Each
	// holds a device clone, so the ring is empty when the device drops.
	inFlight *containers.RingQueue[*submission]
	// Live native memory objects, checked against MaxMemoryAllocationCount.
	memoryObjects uint32
}

// Device is a shared handle to the ownership root. Pools, buffers and
// recordings each hold their own clone, so the native device is torn
// down only after every one of them has been released.
type Device struct {
	rc *containers.Rc[*deviceState]
}

type deviceOptions struct {
	name        string
	events      *core.EventBus
	maxInFlight int
}

type DeviceOption func(*deviceOptions)

func WithDeviceName(name string) DeviceOption {
	return func(o *deviceOptions) { o.name = name }
}

// WithEventBus publishes resource lifecycle events on bus.
func WithEventBus(bus *core.EventBus) DeviceOption {
	return func(o *deviceOptions) { o.events = bus }
}

// WithMaxInFlight bounds the number of submissions waiting for completion.
func WithMaxInFlight(n int) DeviceOption {
	return func(o *deviceOptions) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// NewDevice queries the capabilities of native once and takes ownership of
// it. On error the caller still owns native.
func NewDevice(native Native, opts ...DeviceOption) (*Device, error) {
	o := deviceOptions{
		name:        "vkmem",
		maxInFlight: DEFAULT_MAX_IN_FLIGHT,
	}
	for _, opt := range opts {
		opt(&o)
	}

	caps, err := native.QueryCapabilities()
	if err == nil && caps == nil {
		err = errors.New("no capabilities reported")
	}
	if err != nil {
		qerr := &DeviceQueryError{Device: o.name, Cause: err}
		core.LogError(qerr.Error())
		return nil, qerr
	}

	state := &deviceState{
		id:       uuid.New(),
		name:     o.name,
		native:   native,
		caps:     caps,
		owners:   core.NewIdentifiers(64),
		events:   o.events,
		inFlight: containers.NewRingQueue[*submission](o.maxInFlight),
	}
	core.LogInfo("device '%s' (%s) created on %s", o.name, state.id, caps)

	return &Device{rc: containers.NewRc(state, dropDevice)}, nil
}

func dropDevice(s *deviceState) error {
	if s.memoryObjects != 0 {
		core.LogWarn("device '%s' torn down with %d memory objects still allocated", s.name, s.memoryObjects)
	}
	s.native.Destroy()
	core.LogInfo("device '%s' destroyed", s.name)

	ctx := core.EventContext{}
	ctx.Data.C[0] = s.name
	s.events.Fire(core.EVENT_CODE_DEVICE_DESTROYED, s, ctx)
	return nil
}

func (d *Device) state() *deviceState {
	return d.rc.Get()
}

func (d *Device) borrow(fn func(*deviceState) error) error {
	return d.rc.Borrow(fn)
}

// Clone returns another owner handle to the same device.
func (d *Device) Clone() *Device {
	return &Device{rc: d.rc.Clone()}
}

// Release drops this handle. The native device is destroyed with the last one.
func (d *Device) Release() error {
	_, err := d.rc.Release()
	if errors.Is(err, containers.ErrReleased) {
		return ErrDeviceReleased
	}
	return err
}

// Destroy waits for every in-flight submission and releases this handle.
// Teardown of the native device is deferred while pools still hold it.
func (d *Device) Destroy() error {
	if d.rc.Released() {
		return ErrDeviceReleased
	}
	waitErr := d.WaitIdle()

	name := d.state().name
	remaining := d.rc.StrongCount() - 1
	dropped, err := d.rc.Release()
	if !dropped && err == nil {
		core.LogDebug("device '%s' teardown deferred until %d handles are released", name, remaining)
	}
	return errors.Join(waitErr, err)
}

func (d *Device) ID() uuid.UUID {
	return d.state().id
}

func (d *Device) Name() string {
	return d.state().name
}

// GetPhysicalDeviceProps returns the capabilities cached at construction.
func (d *Device) GetPhysicalDeviceProps() *DeviceCapabilities {
	return d.state().caps
}

func (d *Device) Kind() DeviceKind {
	return d.state().caps.Kind()
}

func (d *Device) Limits() Limits {
	return d.state().caps.Limits()
}

// Events may be nil when the device was built without WithEventBus.
func (d *Device) Events() *core.EventBus {
	return d.state().events
}

func (d *Device) LiveMemoryObjects() uint32 {
	return d.state().memoryObjects
}

// LiveOwners counts buffers currently holding an owner id.
func (d *Device) LiveOwners() int {
	return d.state().owners.InUse()
}

func (d *Device) InFlight() int {
	return d.state().inFlight.Len()
}

func (d *Device) StrongCount() int {
	return d.rc.StrongCount()
}

func (d *Device) Released() bool {
	return d.rc.Released()
}

// Same reports whether both handles refer to the same device.
func (d *Device) Same(other *Device) bool {
	return other != nil && d.rc.Same(other.rc)
}

func (d *Device) NewMemoryPool(size uint64, opts ...PoolOption) (*MemoryPool, error) {
	return NewMemoryPool(d, size, opts...)
}

func (d *Device) acquireOwner(owner interface{}) (uint32, error) {
	var id uint32
	err := d.borrow(func(s *deviceState) error {
		id = s.owners.Acquire(owner)
		return nil
	})
	return id, err
}

func (d *Device) releaseOwner(id uint32) error {
	return d.borrow(func(s *deviceState) error {
		return s.owners.Release(id)
	})
}

func (d *Device) fire(code core.SystemEventCode, sender interface{}, ctx core.EventContext) {
	d.state().events.Fire(code, sender, ctx)
}

func (d *Device) checkLive(op string) error {
	if d == nil || d.rc.Released() {
		return fmt.Errorf("%s: %w", op, ErrDeviceReleased)
	}
	return nil
}
