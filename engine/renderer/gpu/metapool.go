package gpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/core"
)

// MetaPool grows a set of memory pools spread over the device memory
// types. A request lands in the first existing pool with room. Failing
// that, a new pool is created with the preferred block size, then half, a
// quarter and an eighth of it, then exactly the request size. A memory
// type that cannot hold any of those is skipped for the next one, types
// already holding pools being tried first.
//
// Like MemoryPool it is not safe for concurrent use.
type MetaPool struct {
	device        *Device
	name          string
	preferredSize uint64
	strategy      AllocationStrategy
	typeBits      uint32
	properties    MemoryPropertyFlags

	types    []*metaMemoryType
	released bool
}

type metaMemoryType struct {
	index      uint32
	properties MemoryPropertyFlags
	pools      []*MemoryPool
}

type MetaPoolStats struct {
	Pools           int
	Capacity        uint64
	Allocated       uint64
	Available       uint64
	LiveAllocations int
}

// NewMetaPool takes the same options as NewMemoryPool. Memory type bits and
// properties restrict every pool the meta pool creates.
func NewMetaPool(device *Device, preferredSize uint64, opts ...PoolOption) (*MetaPool, error) {
	if err := device.checkLive("create meta pool"); err != nil {
		return nil, err
	}
	o := poolOptions{
		typeBits: ^uint32(0),
		strategy: FirstFit,
		name:     "meta",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if preferredSize == 0 {
		return nil, allocationError(ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY, "meta pool '%s': block size must be greater than zero", o.name)
	}

	caps := device.state().caps
	candidates := caps.FindMemoryTypes(o.typeBits, o.properties)
	if len(candidates) == 0 {
		return nil, allocationError(ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE,
			"meta pool '%s': no memory type in bits 0x%x has properties %s", o.name, o.typeBits, o.properties)
	}
	m := &MetaPool{
		device:        device.Clone(),
		name:          o.name,
		preferredSize: preferredSize,
		strategy:      o.strategy,
		typeBits:      o.typeBits,
		properties:    o.properties,
	}
	for _, index := range candidates {
		mt, _ := caps.MemoryType(index)
		m.types = append(m.types, &metaMemoryType{index: index, properties: mt.PropertyFlags})
	}
	core.LogDebug("meta pool '%s': blocks of %d bytes over memory types %v", o.name, preferredSize, candidates)
	return m, nil
}

func (d *Device) NewMetaPool(preferredSize uint64, opts ...PoolOption) (*MetaPool, error) {
	return NewMetaPool(d, preferredSize, opts...)
}

// Allocate reserves size bytes aligned to alignment in whichever pool can
// take them. The returned pool stays owned by the meta pool.
func (m *MetaPool) Allocate(size, alignment uint64, owner uint32) (*MemoryPool, Allocation, error) {
	return m.allocate(m.typeBits, m.properties, owner, func(MemoryPropertyFlags) (uint64, uint64, error) {
		return size, alignment, nil
	})
}

// Free hands a back to the pool that issued it.
func (m *MetaPool) Free(a Allocation) error {
	if err := m.checkLive("free"); err != nil {
		return err
	}
	for _, mt := range m.types {
		for _, pool := range mt.pools {
			if pool.rc.Get() == a.pool {
				return pool.Free(a)
			}
		}
	}
	return allocationError(ALLOCATION_ERROR_FOREIGN_ALLOCATION, "allocation %d was not issued by meta pool '%s'", a.ID, m.name)
}

// NewBuffer creates a generic buffer in the first pool able to hold it.
func (m *MetaPool) NewBuffer(size uint64, usage BufferUsage, mode SharingMode) (*Buffer, error) {
	return m.buildBuffer(bufferSpec{
		kind:     BufferKindGeneric,
		usage:    usage,
		capacity: size,
		sharing:  mode,
	})
}

// NewStagingBufferFor creates a host visible staging buffer mirroring
// target, see NewStagingBufferForWithSharingMode.
func (m *MetaPool) NewStagingBufferFor(target *Buffer) (*Buffer, error) {
	spec, err := stagingSpecFor(target, Exclusive())
	if err != nil {
		return nil, err
	}
	return m.buildBuffer(spec)
}

func (m *MetaPool) buildBuffer(spec bufferSpec) (*Buffer, error) {
	if err := m.checkLive("create buffer"); err != nil {
		return nil, err
	}
	return buildBuffer(m.device, spec, m.place)
}

func (m *MetaPool) place(spec bufferSpec, reqs MemoryRequirements, owner uint32) (*MemoryPool, Allocation, error) {
	properties := m.properties
	if spec.kind == BufferKindStaging {
		properties |= MemoryPropertyHostVisible
	}
	limits := m.device.Limits()
	return m.allocate(m.typeBits&reqs.MemoryTypeBits, properties, owner, func(typeProperties MemoryPropertyFlags) (uint64, uint64, error) {
		return placement(spec, reqs, limits, typeProperties)
	})
}

// allocate walks the memory types allowed by typeBits and properties. fit
// gives the size and alignment of the request on a type with the given
// properties.
func (m *MetaPool) allocate(typeBits uint32, properties MemoryPropertyFlags, owner uint32,
	fit func(MemoryPropertyFlags) (uint64, uint64, error)) (*MemoryPool, Allocation, error) {
	if err := m.checkLive("allocate"); err != nil {
		return nil, Allocation{}, err
	}

	tried := false
	for _, mt := range m.ordered() {
		if typeBits&(1<<mt.index) == 0 || !mt.properties.Contains(properties) {
			continue
		}
		tried = true
		size, alignment, err := fit(mt.properties)
		if err != nil {
			return nil, Allocation{}, err
		}

		for _, pool := range mt.pools {
			if pool.fits(size, alignment) {
				a, err := pool.Allocate(size, alignment, owner)
				return pool, a, err
			}
		}

		for _, blockSize := range m.blockSizes(size) {
			pool, err := NewMemoryPool(m.device, blockSize,
				WithMemoryTypeBits(1<<mt.index),
				WithStrategy(m.strategy),
				WithPoolName(fmt.Sprintf("%s/%d.%d", m.name, mt.index, len(mt.pools))),
			)
			if errors.Is(err, ErrOutOfDeviceMemory) {
				continue
			}
			if err != nil {
				return nil, Allocation{}, err
			}
			mt.pools = append(mt.pools, pool)
			a, err := pool.Allocate(size, alignment, owner)
			return pool, a, err
		}
		core.LogDebug("meta pool '%s': memory type %d cannot take %d bytes, trying the next one", m.name, mt.index, size)
	}

	if !tried {
		return nil, Allocation{}, allocationError(ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE,
			"meta pool '%s': no memory type in bits 0x%x has properties %s", m.name, typeBits, properties)
	}
	return nil, Allocation{}, allocationError(ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY,
		"meta pool '%s': no memory type could hold the request", m.name)
}

// ordered lists the memory types holding pools before the unused ones,
// each group in index order.
func (m *MetaPool) ordered() []*metaMemoryType {
	out := slices.Clone(m.types)
	slices.SortStableFunc(out, func(a, b *metaMemoryType) int {
		switch {
		case len(a.pools) > 0 && len(b.pools) == 0:
			return -1
		case len(a.pools) == 0 && len(b.pools) > 0:
			return 1
		}
		return 0
	})
	return out
}

func (m *MetaPool) blockSizes(size uint64) []uint64 {
	var sizes []uint64
	for _, candidate := range []uint64{m.preferredSize, m.preferredSize / 2, m.preferredSize / 4, m.preferredSize / 8, size} {
		if candidate == 0 || candidate < size || slices.Contains(sizes, candidate) {
			continue
		}
		sizes = append(sizes, candidate)
	}
	return sizes
}

// Trim destroys the pools without live allocations.
func (m *MetaPool) Trim() error {
	if err := m.checkLive("trim"); err != nil {
		return err
	}
	var errs []error
	for _, mt := range m.types {
		mt.pools = slices.DeleteFunc(mt.pools, func(pool *MemoryPool) bool {
			if pool.LiveAllocations() > 0 {
				return false
			}
			errs = append(errs, pool.Destroy())
			return true
		})
	}
	return errors.Join(errs...)
}

// Reset resets every pool; see MemoryPool.Reset.
func (m *MetaPool) Reset() error {
	if err := m.checkLive("reset"); err != nil {
		return err
	}
	var errs []error
	for _, pool := range m.Pools() {
		errs = append(errs, pool.Reset())
	}
	return errors.Join(errs...)
}

// Destroy drops every pool and the device handle once no allocation is
// live anywhere.
func (m *MetaPool) Destroy() error {
	if m.released {
		return allocationError(ALLOCATION_ERROR_DOUBLE_FREE, "meta pool '%s' destroyed twice", m.name)
	}
	if live := m.Stats().LiveAllocations; live > 0 {
		return allocationError(ALLOCATION_ERROR_POOL_BUSY, "meta pool '%s' still has %d live allocations", m.name, live)
	}
	errs := []error{m.Trim()}
	m.released = true
	errs = append(errs, m.device.Release())
	core.LogDebug("meta pool '%s' destroyed", m.name)
	return errors.Join(errs...)
}

func (m *MetaPool) checkLive(op string) error {
	if m.released {
		err := fmt.Errorf("meta pool '%s': %s: %w", m.name, op, containers.ErrReleased)
		core.LogError(err.Error())
		return err
	}
	return nil
}

func (m *MetaPool) Name() string          { return m.name }
func (m *MetaPool) PreferredSize() uint64 { return m.preferredSize }
func (m *MetaPool) Released() bool        { return m.released }

// Pools lists the pools in memory type order, oldest first.
func (m *MetaPool) Pools() []*MemoryPool {
	var out []*MemoryPool
	for _, mt := range m.types {
		out = append(out, mt.pools...)
	}
	return out
}

func (m *MetaPool) Stats() MetaPoolStats {
	var stats MetaPoolStats
	for _, pool := range m.Pools() {
		s := pool.rc.Get()
		stats.Pools++
		stats.Capacity += s.capacity
		stats.Allocated += s.allocated()
		stats.Available += s.available()
		stats.LiveAllocations += len(s.used)
	}
	return stats
}
