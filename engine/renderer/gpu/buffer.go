package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/core"
)

// bufferSpec is everything the shared construction routine needs to know
// about a buffer variant.
type bufferSpec struct {
	kind     BufferKind
	usage    BufferUsage
	capacity uint64
	sharing  SharingMode

	layout      VertexLayout
	vertexCount uint32
	indexType   IndexType
	indexCount  uint32
}

type bufferState struct {
	bufferSpec

	pool         *MemoryPool
	native       Handle
	requirements MemoryRequirements
	allocation   Allocation
	owner        uint32
}

// Buffer is a shared handle to a native buffer bound to one pool
// allocation. The variant data depends on Kind.
type Buffer struct {
	rc *containers.Rc[*bufferState]
}

// NewBuffer creates a generic buffer with exclusive sharing.
func NewBuffer(pool *MemoryPool, size uint64, usage BufferUsage) (*Buffer, error) {
	return NewBufferWithSharingMode(pool, size, usage, Exclusive())
}

func NewBufferWithSharingMode(pool *MemoryPool, size uint64, usage BufferUsage, mode SharingMode) (*Buffer, error) {
	return createBuffer(pool, bufferSpec{
		kind:     BufferKindGeneric,
		usage:    usage,
		capacity: size,
		sharing:  mode,
	})
}

// NewVertexBuffer sizes the buffer to hold count vertices of layout.
func NewVertexBuffer(pool *MemoryPool, layout VertexLayout, count uint32) (*Buffer, error) {
	return NewVertexBufferWithSharingMode(pool, layout, count, Exclusive())
}

func NewVertexBufferWithSharingMode(pool *MemoryPool, layout VertexLayout, count uint32, mode SharingMode) (*Buffer, error) {
	if err := checkPool(pool); err != nil {
		return nil, err
	}
	if err := layout.Validate(pool.Device().Limits()); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	return createBuffer(pool, bufferSpec{
		kind:        BufferKindVertex,
		usage:       BufferUsageVertex | BufferUsageTransferDst,
		capacity:    uint64(count) * uint64(layout.VertexStride()),
		sharing:     mode,
		layout:      layout.WithStride(layout.VertexStride()),
		vertexCount: count,
	})
}

// NewIndexBuffer sizes the buffer to hold count indices of indexType.
func NewIndexBuffer(pool *MemoryPool, indexType IndexType, count uint32) (*Buffer, error) {
	return NewIndexBufferWithSharingMode(pool, indexType, count, Exclusive())
}

func NewIndexBufferWithSharingMode(pool *MemoryPool, indexType IndexType, count uint32, mode SharingMode) (*Buffer, error) {
	if !indexType.Valid() {
		err := fmt.Errorf("index buffer of %d indices: %s: %w", count, indexType, ErrInvalidIndexType)
		core.LogError(err.Error())
		return nil, err
	}
	return createBuffer(pool, bufferSpec{
		kind:       BufferKindIndex,
		usage:      BufferUsageIndex | BufferUsageTransferDst,
		capacity:   uint64(count) * indexType.Width(),
		sharing:    mode,
		indexType:  indexType,
		indexCount: count,
	})
}

// NewStagingBuffer creates a host-visible upload buffer of capacity bytes.
func NewStagingBuffer(pool *MemoryPool, capacity uint64) (*Buffer, error) {
	return createBuffer(pool, bufferSpec{
		kind:     BufferKindStaging,
		usage:    BufferUsageTransferSrc,
		capacity: capacity,
		sharing:  Exclusive(),
	})
}

// NewStagingBufferFor creates a staging buffer mirroring target's capacity.
// The sharing mode is exclusive; it is not taken over from target.
func NewStagingBufferFor(pool *MemoryPool, target *Buffer) (*Buffer, error) {
	return NewStagingBufferForWithSharingMode(pool, target, Exclusive())
}

// NewStagingBufferForWithSharingMode only reads target. A target accepting
// transfers in gets an upload buffer, one allowing transfers out gets a
// readback buffer.
func NewStagingBufferForWithSharingMode(pool *MemoryPool, target *Buffer, mode SharingMode) (*Buffer, error) {
	spec, err := stagingSpecFor(target, mode)
	if err != nil {
		return nil, err
	}
	return createBuffer(pool, spec)
}

func stagingSpecFor(target *Buffer, mode SharingMode) (bufferSpec, error) {
	if target == nil || target.rc.Released() {
		err := fmt.Errorf("staging target: %w", containers.ErrReleased)
		core.LogError(err.Error())
		return bufferSpec{}, err
	}
	t := target.rc.Get()

	var usage BufferUsage
	switch {
	case t.usage.Has(BufferUsageTransferDst):
		usage = BufferUsageTransferSrc
	case t.usage.Has(BufferUsageTransferSrc):
		usage = BufferUsageTransferDst
	default:
		return bufferSpec{}, allocationError(ALLOCATION_ERROR_INCOMPATIBLE_TARGET,
			"%s buffer with usage %s cannot be a transfer source or destination", t.kind, t.usage)
	}
	return bufferSpec{
		kind:     BufferKindStaging,
		usage:    usage,
		capacity: t.capacity,
		sharing:  mode,
	}, nil
}

func checkPool(pool *MemoryPool) error {
	if pool == nil || pool.rc.Released() {
		err := fmt.Errorf("memory pool: %w", containers.ErrReleased)
		core.LogError(err.Error())
		return err
	}
	return nil
}

// placeFunc chooses the pool for a freshly created native buffer and
// allocates its memory there.
type placeFunc func(spec bufferSpec, reqs MemoryRequirements, owner uint32) (*MemoryPool, Allocation, error)

func createBuffer(pool *MemoryPool, spec bufferSpec) (*Buffer, error) {
	if err := checkPool(pool); err != nil {
		return nil, err
	}
	ps := pool.rc.Get()
	if spec.kind == BufferKindStaging && !ps.properties.HostVisible() {
		return nil, allocationError(ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE,
			"staging buffers need host visible memory, pool '%s' is %s", ps.name, ps.properties)
	}
	return buildBuffer(ps.device, spec, pool.place)
}

func (p *MemoryPool) place(spec bufferSpec, reqs MemoryRequirements, owner uint32) (*MemoryPool, Allocation, error) {
	ps := p.rc.Get()
	if reqs.MemoryTypeBits&(1<<ps.memoryType) == 0 {
		return nil, Allocation{}, allocationError(ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE,
			"%s buffer accepts memory types 0x%x, pool '%s' uses type %d", spec.kind, reqs.MemoryTypeBits, ps.name, ps.memoryType)
	}
	size, alignment, err := placement(spec, reqs, ps.device.Limits(), ps.properties)
	if err != nil {
		return nil, Allocation{}, err
	}
	allocation, err := p.Allocate(size, alignment, owner)
	return p, allocation, err
}

// buildBuffer is the one construction routine behind every buffer kind.
// Nothing created before a failure survives it.
func buildBuffer(device *Device, spec bufferSpec, place placeFunc) (*Buffer, error) {
	ds := device.state()
	limits := ds.caps.Limits()

	if limits.MaxBufferSize > 0 && spec.capacity > limits.MaxBufferSize {
		return nil, allocationError(ALLOCATION_ERROR_EXCEEDS_DEVICE_LIMIT,
			"%s buffer of %d bytes is larger than the device maximum of %d", spec.kind, spec.capacity, limits.MaxBufferSize)
	}

	native := NullHandle
	reqs := MemoryRequirements{Alignment: 1, MemoryTypeBits: ^uint32(0)}
	if spec.capacity > 0 {
		handle, r, err := ds.native.CreateBuffer(BufferCreateInfo{
			Size:    spec.capacity,
			Usage:   spec.usage,
			Sharing: spec.sharing,
		})
		if err != nil {
			err = fmt.Errorf("failed to create %s buffer of %d bytes: %w", spec.kind, spec.capacity, err)
			core.LogError(err.Error())
			return nil, err
		}
		native, reqs = handle, r
	}
	destroyNative := func() {
		if native != NullHandle {
			ds.native.DestroyBuffer(native)
		}
	}

	state := &bufferState{
		bufferSpec:   spec,
		native:       native,
		requirements: reqs,
	}
	owner, err := device.acquireOwner(state)
	if err != nil {
		destroyNative()
		return nil, err
	}

	pool, allocation, err := place(spec, reqs, owner)
	if err != nil {
		destroyNative()
		device.releaseOwner(owner)
		return nil, err
	}
	ps := pool.rc.Get()

	if native != NullHandle {
		if err := ds.native.BindBufferMemory(native, ps.memory, allocation.Offset); err != nil {
			err = fmt.Errorf("failed to bind %s buffer to pool '%s' at offset %d: %w", spec.kind, ps.name, allocation.Offset, err)
			core.LogError(err.Error())
			freeErr := pool.Free(allocation)
			destroyNative()
			return nil, errors.Join(err, freeErr, device.releaseOwner(owner))
		}
	}

	state.allocation = allocation
	state.owner = owner
	state.pool = pool.Clone()
	buffer := &Buffer{rc: containers.NewRc(state, dropBuffer)}

	ctx := core.EventContext{}
	ctx.Data.U64[0] = allocation.Offset
	ctx.Data.U64[1] = allocation.Size
	ctx.Data.U32[0] = owner
	ctx.Data.C[0] = spec.kind.String()
	device.fire(core.EVENT_CODE_BUFFER_CREATED, buffer, ctx)
	return buffer, nil
}

// placement is the size and alignment a buffer occupies in memory with the
// given properties.
func placement(spec bufferSpec, reqs MemoryRequirements, limits Limits, properties MemoryPropertyFlags) (uint64, uint64, error) {
	alignment := alignmentFor(spec, reqs, limits, properties)
	size := max(spec.capacity, reqs.Size)
	if properties.HostVisible() && !properties.HostCoherent() && limits.NonCoherentAtomSize > 1 && size > 0 {
		// flushes cover whole atoms
		rounded, ok := alignUp(size, limits.NonCoherentAtomSize)
		if !ok {
			return 0, 0, allocationError(ALLOCATION_ERROR_EXCEEDS_DEVICE_LIMIT,
				"%s buffer of %d bytes cannot be rounded to the non-coherent atom size %d", spec.kind, size, limits.NonCoherentAtomSize)
		}
		size = rounded
	}
	return size, alignment, nil
}

// alignmentFor combines every alignment constraint that applies to a buffer
// placed in memory with the given properties.
func alignmentFor(spec bufferSpec, reqs MemoryRequirements, limits Limits, properties MemoryPropertyFlags) uint64 {
	alignment := max(reqs.Alignment, 1)
	if spec.kind == BufferKindIndex {
		alignment = max(alignment, spec.indexType.Width())
	}
	if spec.usage.Has(BufferUsageUniform) {
		alignment = max(alignment, limits.MinUniformBufferOffsetAlignment)
	}
	if spec.usage.Has(BufferUsageStorage) {
		alignment = max(alignment, limits.MinStorageBufferOffsetAlignment)
	}
	if properties.HostVisible() && !properties.HostCoherent() {
		alignment = max(alignment, limits.NonCoherentAtomSize)
	}
	return alignment
}

func dropBuffer(s *bufferState) error {
	pool := s.pool
	ps := pool.rc.Get()
	device := ps.device

	if s.native != NullHandle {
		device.state().native.DestroyBuffer(s.native)
	}
	freeErr := pool.Free(s.allocation)
	ownerErr := device.releaseOwner(s.owner)

	ctx := core.EventContext{}
	ctx.Data.U64[0] = s.allocation.Offset
	ctx.Data.U64[1] = s.allocation.Size
	ctx.Data.U32[0] = s.owner
	device.fire(core.EVENT_CODE_BUFFER_RELEASED, s, ctx)

	s.pool = nil
	return errors.Join(freeErr, ownerErr, pool.Release())
}

// Clone returns another handle to the same buffer.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{rc: b.rc.Clone()}
}

// Release drops this handle. The last release destroys the native buffer
// and returns the allocation to its pool.
func (b *Buffer) Release() error {
	_, err := b.rc.Release()
	if errors.Is(err, containers.ErrReleased) {
		return allocationError(ALLOCATION_ERROR_DOUBLE_FREE, "buffer handle released twice")
	}
	return err
}

func (b *Buffer) Capacity() uint64         { return b.rc.Get().capacity }
func (b *Buffer) Kind() BufferKind         { return b.rc.Get().kind }
func (b *Buffer) Usage() BufferUsage       { return b.rc.Get().usage }
func (b *Buffer) SharingMode() SharingMode { return b.rc.Get().sharing }
func (b *Buffer) Allocation() Allocation   { return b.rc.Get().allocation }
func (b *Buffer) Owner() uint32            { return b.rc.Get().owner }
func (b *Buffer) Handle() Handle           { return b.rc.Get().native }

func (b *Buffer) Requirements() MemoryRequirements {
	return b.rc.Get().requirements
}

// VertexLayout is only meaningful for vertex buffers.
func (b *Buffer) VertexLayout() VertexLayout { return b.rc.Get().layout }
func (b *Buffer) VertexCount() uint32        { return b.rc.Get().vertexCount }

// IndexType is only meaningful for index buffers.
func (b *Buffer) IndexType() IndexType { return b.rc.Get().indexType }
func (b *Buffer) IndexCount() uint32   { return b.rc.Get().indexCount }

func (b *Buffer) MemoryProperties() MemoryPropertyFlags {
	return b.rc.Get().pool.rc.Get().properties
}

func (b *Buffer) StrongCount() int {
	return b.rc.StrongCount()
}

func (b *Buffer) Released() bool {
	return b.rc.Released()
}

func (b *Buffer) Same(other *Buffer) bool {
	return other != nil && b.rc.Same(other.rc)
}

func (b *Buffer) device() *Device {
	return b.rc.Get().pool.rc.Get().device
}

// bufferRange is the memory a command touching this buffer refers to.
func (b *Buffer) bufferRange() BufferRange {
	s := b.rc.Get()
	return BufferRange{
		Buffer: s.native,
		Memory: s.pool.rc.Get().memory,
		Offset: s.allocation.Offset,
		Size:   s.allocation.Size,
	}
}

// Write copies data into the buffer at offset through a host mapping.
// Non-coherent memory is flushed before unmapping.
func (b *Buffer) Write(offset uint64, data []byte) error {
	return b.rc.Borrow(func(s *bufferState) error {
		return s.mapped(offset, uint64(len(data)), true, func(memory []byte) {
			copy(memory[offset:], data)
		})
	})
}

// Read copies size bytes starting at offset out of the buffer.
func (b *Buffer) Read(offset, size uint64) ([]byte, error) {
	var out []byte
	err := b.rc.Borrow(func(s *bufferState) error {
		return s.mapped(offset, size, false, func(memory []byte) {
			out = make([]byte, size)
			copy(out, memory[offset:offset+size])
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteIndices encodes indices starting at index first using the index
// buffer's width, little endian.
func (b *Buffer) WriteIndices(first uint32, indices []uint32) error {
	s := b.rc.Get()
	if s.kind != BufferKindIndex {
		return fmt.Errorf("%s buffer cannot take indices: %w", s.kind, ErrIncompatibleBuffer)
	}
	width := s.indexType.Width()
	limit := s.pool.rc.Get().device.Limits().MaxDrawIndexedIndexValue
	data := make([]byte, uint64(len(indices))*width)
	for i, index := range indices {
		if limit > 0 && index > limit {
			return allocationError(ALLOCATION_ERROR_EXCEEDS_DEVICE_LIMIT,
				"index %d is above the device maximum index value %d", index, limit)
		}
		if s.indexType == IndexTypeUInt16 {
			if index > 0xFFFF {
				return fmt.Errorf("index %d does not fit in %s: %w", index, s.indexType, ErrOutOfRange)
			}
			binary.LittleEndian.PutUint16(data[uint64(i)*width:], uint16(index))
		} else {
			binary.LittleEndian.PutUint32(data[uint64(i)*width:], index)
		}
	}
	return b.Write(uint64(first)*width, data)
}

func (s *bufferState) mapped(offset, size uint64, write bool, fn func([]byte)) error {
	ps := s.pool.rc.Get()
	if !ps.properties.HostVisible() {
		err := fmt.Errorf("%s buffer in pool '%s' (%s): %w", s.kind, ps.name, ps.properties, ErrNotHostVisible)
		core.LogError(err.Error())
		return err
	}
	if offset > s.capacity || size > s.capacity-offset {
		err := fmt.Errorf("%d bytes at offset %d of a %d byte buffer: %w", size, offset, s.capacity, ErrOutOfRange)
		core.LogError(err.Error())
		return err
	}
	if size == 0 {
		return nil
	}

	native := ps.device.state().native
	coherent := ps.properties.HostCoherent()
	memory, err := native.MapMemory(ps.memory, s.allocation.Offset, s.allocation.Size)
	if err != nil {
		err = fmt.Errorf("failed to map pool '%s' at offset %d: %w", ps.name, s.allocation.Offset, err)
		core.LogError(err.Error())
		return err
	}
	defer native.UnmapMemory(ps.memory)

	if !write && !coherent {
		if err := native.InvalidateMemory(ps.memory, s.allocation.Offset, s.allocation.Size); err != nil {
			return err
		}
	}
	fn(memory)
	if write && !coherent {
		return native.FlushMemory(ps.memory, s.allocation.Offset, s.allocation.Size)
	}
	return nil
}
