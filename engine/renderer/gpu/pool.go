package gpu

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/core"
)

type AllocationStrategy int

const (
	FirstFit AllocationStrategy = iota
	BestFit
	// Linear bumps a top pointer. Space below the top is only reused once
	// the topmost allocation is freed, the pool empties, or it is reset.
	Linear
)

func (s AllocationStrategy) String() string {
	switch s {
	case BestFit:
		return "best_fit"
	case Linear:
		return "linear"
	}
	return "first_fit"
}

func ParseAllocationStrategy(s string) (AllocationStrategy, error) {
	switch strings.ToLower(s) {
	case "first_fit", "":
		return FirstFit, nil
	case "best_fit":
		return BestFit, nil
	case "linear":
		return Linear, nil
	}
	return FirstFit, fmt.Errorf("unknown allocation strategy '%s'", s)
}

type Range struct {
	Offset uint64
	Size   uint64
}

func (r Range) End() uint64 {
	return r.Offset + r.Size
}

// Allocation is a sub-range of a pool's memory. The pool remembers only
// the range, never who holds it.
type Allocation struct {
	ID     uint64
	Offset uint64
	Size   uint64
	Owner  uint32

	pool *poolState
}

func (a Allocation) Range() Range {
	return Range{Offset: a.Offset, Size: a.Size}
}

type PoolStats struct {
	Capacity              uint64
	Allocated             uint64
	Available             uint64
	LiveAllocations       int
	FreeRanges            int
	LargestFreeRange      uint64
	Allocations           uint64
	Frees                 uint64
	Failures              uint64
	PeakInUse             uint64
	AverageAllocationSize float64
	// Retired is freed space a linear pool cannot hand out yet.
	Retired uint64
}

type poolState struct {
	name       string
	device     *Device
	memory     Handle
	memoryType uint32
	properties MemoryPropertyFlags
	capacity   uint64
	strategy   AllocationStrategy

	// Sorted by offset. Neighbouring ranges are never adjacent. A linear
	// pool keeps at most one range, the space above its top.
	free   []Range
	used   map[uint64]Allocation
	nextID uint64

	metrics *core.Metrics
}

// MemoryPool is a shared handle to one native memory object subdivided
// into allocations. Every buffer allocated from the pool holds a clone.
type MemoryPool struct {
	rc *containers.Rc[*poolState]
}

type poolOptions struct {
	properties MemoryPropertyFlags
	typeBits   uint32
	strategy   AllocationStrategy
	name       string
}

type PoolOption func(*poolOptions)

// WithMemoryProperties restricts the pool to memory types having all of flags.
func WithMemoryProperties(flags MemoryPropertyFlags) PoolOption {
	return func(o *poolOptions) { o.properties = flags }
}

// WithMemoryTypeBits restricts the pool to the memory type indices set in bits.
func WithMemoryTypeBits(bits uint32) PoolOption {
	return func(o *poolOptions) { o.typeBits = bits }
}

func WithStrategy(strategy AllocationStrategy) PoolOption {
	return func(o *poolOptions) { o.strategy = strategy }
}

func WithPoolName(name string) PoolOption {
	return func(o *poolOptions) { o.name = name }
}

// NewMemoryPool reserves size bytes on the first memory type satisfying the
// constraints. A type whose heap is out of memory is skipped in favour of
// the next candidate.
func NewMemoryPool(device *Device, size uint64, opts ...PoolOption) (*MemoryPool, error) {
	if err := device.checkLive("create memory pool"); err != nil {
		return nil, err
	}
	o := poolOptions{
		typeBits: ^uint32(0),
		strategy: FirstFit,
		name:     "pool",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if size == 0 {
		return nil, allocationError(ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY, "pool '%s': size must be greater than zero", o.name)
	}

	ds := device.state()
	candidates := ds.caps.FindMemoryTypes(o.typeBits, o.properties)
	if len(candidates) == 0 {
		return nil, allocationError(ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE,
			"pool '%s': no memory type in bits 0x%x has properties %s", o.name, o.typeBits, o.properties)
	}

	limits := ds.caps.Limits()
	memory, typeIndex, found := NullHandle, uint32(0), false
	for _, index := range candidates {
		if limits.MaxMemoryAllocationCount > 0 && ds.memoryObjects >= limits.MaxMemoryAllocationCount {
			return nil, allocationError(ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY,
				"pool '%s': device already holds %d memory objects (limit %d)", o.name, ds.memoryObjects, limits.MaxMemoryAllocationCount)
		}
		handle, err := ds.native.AllocateMemory(index, size)
		if err != nil {
			if errors.Is(err, ErrNativeOutOfMemory) {
				core.LogDebug("pool '%s': memory type %d cannot hold %d bytes, trying the next one", o.name, index, size)
				continue
			}
			err = fmt.Errorf("pool '%s': failed to allocate %d bytes on memory type %d: %w", o.name, size, index, err)
			core.LogError(err.Error())
			return nil, err
		}
		memory, typeIndex, found = handle, index, true
		break
	}
	if !found {
		return nil, allocationError(ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY,
			"pool '%s': none of the memory types %v could hold %d bytes", o.name, candidates, size)
	}
	if err := device.borrow(func(s *deviceState) error {
		s.memoryObjects++
		return nil
	}); err != nil {
		ds.native.FreeMemory(memory)
		return nil, err
	}

	mt, _ := ds.caps.MemoryType(typeIndex)
	state := &poolState{
		name:       o.name,
		device:     device.Clone(),
		memory:     memory,
		memoryType: typeIndex,
		properties: mt.PropertyFlags,
		capacity:   size,
		strategy:   o.strategy,
		free:       []Range{{Offset: 0, Size: size}},
		used:       make(map[uint64]Allocation),
		metrics:    core.NewMetrics(),
	}
	pool := &MemoryPool{rc: containers.NewRc(state, dropPool)}
	core.LogDebug("pool '%s': %d bytes on memory type %d (%s)", o.name, size, typeIndex, mt.PropertyFlags)

	ctx := core.EventContext{}
	ctx.Data.U64[0] = size
	ctx.Data.U32[0] = typeIndex
	ctx.Data.C[0] = o.name
	device.fire(core.EVENT_CODE_POOL_CREATED, pool, ctx)
	return pool, nil
}

func dropPool(s *poolState) error {
	if len(s.used) > 0 {
		panic(fmt.Sprintf("memory pool '%s' dropped with %d live allocations", s.name, len(s.used)))
	}
	device := s.device
	device.state().native.FreeMemory(s.memory)
	err := device.borrow(func(ds *deviceState) error {
		ds.memoryObjects--
		return nil
	})

	ctx := core.EventContext{}
	ctx.Data.C[0] = s.name
	device.fire(core.EVENT_CODE_POOL_DESTROYED, s, ctx)
	core.LogDebug("pool '%s': device memory released", s.name)

	s.device = nil
	return errors.Join(err, device.Release())
}

// Clone returns another handle keeping the pool memory alive.
func (p *MemoryPool) Clone() *MemoryPool {
	return &MemoryPool{rc: p.rc.Clone()}
}

// Release drops this handle. Dropping the last handle while allocations
// are still live is a contract violation and panics; use Destroy for the
// checked variant.
func (p *MemoryPool) Release() error {
	_, err := p.rc.Release()
	if errors.Is(err, containers.ErrReleased) {
		return allocationError(ALLOCATION_ERROR_DOUBLE_FREE, "memory pool handle released twice")
	}
	return err
}

// Destroy releases the owner handle once every allocation has been freed.
// The native memory goes away when the last buffer holding the pool does.
func (p *MemoryPool) Destroy() error {
	if p.rc.Released() {
		return allocationError(ALLOCATION_ERROR_DOUBLE_FREE, "memory pool handle released twice")
	}
	s := p.rc.Get()
	if live := len(s.used); live > 0 {
		return allocationError(ALLOCATION_ERROR_POOL_BUSY, "pool '%s' still has %d live allocations", s.name, live)
	}
	name := s.name
	_, err := p.rc.Release()
	if err == nil {
		core.LogDebug("pool '%s' destroyed", name)
	}
	return err
}

// Allocate carves size bytes aligned to alignment out of the free-list, or
// off the top of a linear pool. An alignment of 0 means 1.
func (p *MemoryPool) Allocate(size, alignment uint64, owner uint32) (Allocation, error) {
	var a Allocation
	err := p.rc.Borrow(func(s *poolState) error {
		var err error
		a, err = s.allocate(size, alignment, owner)
		return err
	})
	return a, err
}

// Free returns a to the free-list, merging it with free neighbours.
func (p *MemoryPool) Free(a Allocation) error {
	return p.rc.Borrow(func(s *poolState) error {
		return s.release(a)
	})
}

// Reset drops the whole free-list back to a single range. Only legal with
// no live allocations.
func (p *MemoryPool) Reset() error {
	return p.rc.Borrow(func(s *poolState) error {
		if live := len(s.used); live > 0 {
			return allocationError(ALLOCATION_ERROR_POOL_BUSY, "cannot reset pool '%s' with %d live allocations", s.name, live)
		}
		s.free = []Range{{Offset: 0, Size: s.capacity}}
		s.metrics.Reset()
		return nil
	})
}

func (s *poolState) allocate(size, alignment uint64, owner uint32) (Allocation, error) {
	if alignment == 0 {
		alignment = 1
	}
	if !isPowerOfTwo(alignment) {
		err := fmt.Errorf("pool '%s': alignment %d: %w", s.name, alignment, ErrInvalidAlignment)
		core.LogError(err.Error())
		return Allocation{}, err
	}

	if size == 0 {
		s.nextID++
		a := Allocation{ID: s.nextID, Owner: owner, pool: s}
		s.used[a.ID] = a
		s.metrics.RecordAllocation(0)
		return a, nil
	}

	best := s.find(size, alignment)
	if best < 0 {
		s.metrics.RecordFailure()
		return Allocation{}, allocationError(ALLOCATION_ERROR_POOL_EXHAUSTED,
			"pool '%s': no free range holds %d bytes aligned to %d (%d of %d bytes free)",
			s.name, size, alignment, s.available(), s.capacity)
	}

	r := s.free[best]
	start, _ := alignUp(r.Offset, alignment)
	// Padding in front and the tail stay on the free-list.
	var split []Range
	if start > r.Offset && s.strategy != Linear {
		split = append(split, Range{Offset: r.Offset, Size: start - r.Offset})
	}
	if tail := r.End() - (start + size); tail > 0 {
		split = append(split, Range{Offset: start + size, Size: tail})
	}
	s.free = slices.Replace(s.free, best, best+1, split...)

	s.nextID++
	a := Allocation{ID: s.nextID, Offset: start, Size: size, Owner: owner, pool: s}
	s.used[a.ID] = a
	s.metrics.RecordAllocation(size)
	return a, nil
}

// find returns the index of the free range the strategy picks for size
// bytes at alignment, -1 when none holds them.
func (s *poolState) find(size, alignment uint64) int {
	best, bestLeftover := -1, uint64(0)
	for i, r := range s.free {
		start, ok := alignUp(r.Offset, alignment)
		if !ok {
			continue
		}
		padding := start - r.Offset
		if padding > r.Size || r.Size-padding < size {
			continue
		}
		leftover := r.Size - padding - size
		if s.strategy != BestFit {
			return i
		}
		if best < 0 || leftover < bestLeftover {
			best, bestLeftover = i, leftover
		}
	}
	return best
}

// fits reports whether Allocate would succeed without touching the stats.
func (p *MemoryPool) fits(size, alignment uint64) bool {
	s := p.rc.Get()
	if alignment == 0 {
		alignment = 1
	}
	return isPowerOfTwo(alignment) && (size == 0 || s.find(size, alignment) >= 0)
}

func (s *poolState) release(a Allocation) error {
	if a.pool != s {
		return allocationError(ALLOCATION_ERROR_FOREIGN_ALLOCATION, "allocation %d was not issued by pool '%s'", a.ID, s.name)
	}
	current, ok := s.used[a.ID]
	if !ok {
		return allocationError(ALLOCATION_ERROR_DOUBLE_FREE, "allocation %d of pool '%s' is already free", a.ID, s.name)
	}
	delete(s.used, a.ID)
	s.metrics.RecordFree(current.Size)
	switch {
	case s.strategy == Linear:
		s.reclaim(current)
	case current.Size > 0:
		s.insertFree(current.Range())
	}
	return nil
}

// reclaim moves the top of a linear pool back when the topmost allocation
// goes away. Everything below stays retired until the pool is empty.
func (s *poolState) reclaim(a Allocation) {
	if len(s.used) == 0 {
		s.free = []Range{{Offset: 0, Size: s.capacity}}
		return
	}
	top := s.capacity
	if len(s.free) > 0 {
		top = s.free[0].Offset
	}
	if a.Size > 0 && a.Range().End() == top {
		s.free = []Range{{Offset: a.Offset, Size: s.capacity - a.Offset}}
	}
}

func (s *poolState) insertFree(r Range) {
	i, _ := slices.BinarySearchFunc(s.free, r.Offset, func(e Range, offset uint64) int {
		return cmp.Compare(e.Offset, offset)
	})
	s.free = slices.Insert(s.free, i, r)

	// coalesce with the following range, then the preceding one
	if i+1 < len(s.free) && s.free[i].End() == s.free[i+1].Offset {
		s.free[i].Size += s.free[i+1].Size
		s.free = slices.Delete(s.free, i+1, i+2)
	}
	if i > 0 && s.free[i-1].End() == s.free[i].Offset {
		s.free[i-1].Size += s.free[i].Size
		s.free = slices.Delete(s.free, i, i+1)
	}
}

func (s *poolState) available() uint64 {
	var total uint64
	for _, r := range s.free {
		total += r.Size
	}
	return total
}

func (s *poolState) allocated() uint64 {
	var total uint64
	for _, a := range s.used {
		total += a.Size
	}
	return total
}

func (p *MemoryPool) Name() string {
	return p.rc.Get().name
}

func (p *MemoryPool) Capacity() uint64 {
	return p.rc.Get().capacity
}

func (p *MemoryPool) Allocated() uint64 {
	return p.rc.Get().allocated()
}

func (p *MemoryPool) Available() uint64 {
	return p.rc.Get().available()
}

func (p *MemoryPool) LiveAllocations() int {
	return len(p.rc.Get().used)
}

func (p *MemoryPool) FreeRanges() []Range {
	return slices.Clone(p.rc.Get().free)
}

// Allocations lists the live allocations ordered by offset.
func (p *MemoryPool) Allocations() []Allocation {
	s := p.rc.Get()
	out := make([]Allocation, 0, len(s.used))
	for _, a := range s.used {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Allocation) int {
		if c := cmp.Compare(a.Offset, b.Offset); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (p *MemoryPool) MemoryType() uint32 {
	return p.rc.Get().memoryType
}

func (p *MemoryPool) Properties() MemoryPropertyFlags {
	return p.rc.Get().properties
}

func (p *MemoryPool) Strategy() AllocationStrategy {
	return p.rc.Get().strategy
}

// Memory is the native memory object backing the pool.
func (p *MemoryPool) Memory() Handle {
	return p.rc.Get().memory
}

// Device is the pool's own handle. Clone it to keep the device beyond the pool.
func (p *MemoryPool) Device() *Device {
	return p.rc.Get().device
}

func (p *MemoryPool) StrongCount() int {
	return p.rc.StrongCount()
}

func (p *MemoryPool) Released() bool {
	return p.rc.Released()
}

func (p *MemoryPool) Stats() PoolStats {
	s := p.rc.Get()
	stats := PoolStats{
		Capacity:              s.capacity,
		Allocated:             s.allocated(),
		Available:             s.available(),
		LiveAllocations:       len(s.used),
		FreeRanges:            len(s.free),
		Allocations:           s.metrics.Allocations,
		Frees:                 s.metrics.Frees,
		Failures:              s.metrics.Failures,
		PeakInUse:             s.metrics.PeakInUse,
		AverageAllocationSize: s.metrics.AverageAllocationSize(),
	}
	for _, r := range s.free {
		stats.LargestFreeRange = max(stats.LargestFreeRange, r.Size)
	}
	stats.Retired = stats.Capacity - stats.Allocated - stats.Available
	return stats
}
