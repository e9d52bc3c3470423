package headless

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
)

var (
	ErrDeviceLost         = errors.New("headless device lost")
	ErrUnknownHandle      = errors.New("unknown handle")
	ErrAlreadyMapped      = errors.New("memory is already mapped")
	ErrAlreadyBound       = errors.New("buffer is already bound to memory")
	ErrUnboundBuffer      = errors.New("buffer is not bound to memory")
	ErrMisaligned         = errors.New("offset or size is misaligned")
	ErrInvalidQueueFamily = errors.New("invalid queue family")
	ErrInvalidBuffer      = errors.New("invalid buffer description")
)

// Stats counts the work a headless device has executed.
type Stats struct {
	Submissions   int
	Draws         int
	DrawsIndexed  int
	Copies        int
	BytesCopied   uint64
	VerticesDrawn uint64
	IndicesDrawn  uint64
	Maps          int
	Flushes       int
	Invalidates   int
}

type memoryObject struct {
	typeIndex uint32
	data      []byte
	mapped    bool
}

type bufferObject struct {
	info   gpu.BufferCreateInfo
	memory gpu.Handle
	offset uint64
	bound  bool
}

// Native is a software device keeping memory in byte slices. It executes
// copy commands for real and counts draws, which makes it usable both as a
// fallback backend and as a test double. Faults can be injected.
type Native struct {
	info            gpu.CapabilitiesInfo
	queueFamilies   uint32
	bufferAlignment uint64
	bufferTypeBits  uint32

	nextHandle  gpu.Handle
	memory      map[gpu.Handle]*memoryObject
	buffers     map[gpu.Handle]*bufferObject
	submissions map[gpu.Handle]struct{}
	heapUsed    []uint64

	queryErr      error
	submitErr     error
	bindErr       error
	exhaustedType map[uint32]bool
	lost          bool
	destroyed     bool

	stats Stats
}

type Option func(*Native)

func WithDeviceName(name string) Option {
	return func(n *Native) { n.info.Name = name }
}

func WithKind(kind gpu.DeviceKind) Option {
	return func(n *Native) { n.info.Kind = kind }
}

// WithMemory replaces the memory type and heap tables.
func WithMemory(types []gpu.MemoryType, heaps []gpu.MemoryHeap) Option {
	return func(n *Native) {
		n.info.MemoryTypes = types
		n.info.MemoryHeaps = heaps
	}
}

func WithLimits(limits gpu.Limits) Option {
	return func(n *Native) { n.info.Limits = limits }
}

func WithSparseProperties(props gpu.SparseProperties) Option {
	return func(n *Native) { n.info.SparseProperties = props }
}

// WithBufferAlignment sets the alignment reported in buffer memory requirements.
func WithBufferAlignment(alignment uint64) Option {
	return func(n *Native) { n.bufferAlignment = alignment }
}

// WithBufferMemoryTypeBits restricts the memory types buffers may be bound to.
func WithBufferMemoryTypeBits(bits uint32) Option {
	return func(n *Native) { n.bufferTypeBits = bits }
}

func WithQueueFamilies(count uint32) Option {
	return func(n *Native) { n.queueFamilies = count }
}

// WithQueryError makes QueryCapabilities fail with err.
func WithQueryError(err error) Option {
	return func(n *Native) { n.queryErr = err }
}

func DefaultMemoryTypes() ([]gpu.MemoryType, []gpu.MemoryHeap) {
	heaps := []gpu.MemoryHeap{
		{Size: 256 << 20, DeviceLocal: true},
		{Size: 256 << 20},
	}
	types := []gpu.MemoryType{
		// unified memory, as on integrated parts
		{PropertyFlags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 0},
		{PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
		{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCached, HeapIndex: 1},
	}
	return types, heaps
}

func DefaultLimits() gpu.Limits {
	return gpu.Limits{
		MaxBufferSize:                   1 << 30,
		MaxMemoryAllocationCount:        4096,
		BufferImageGranularity:          1024,
		NonCoherentAtomSize:             64,
		MinMemoryMapAlignment:           64,
		MinUniformBufferOffsetAlignment: 256,
		MinStorageBufferOffsetAlignment: 32,
		MaxVertexInputAttributes:        16,
		MaxVertexInputBindingStride:     2048,
		MaxDrawIndexedIndexValue:        0xFFFFFFFF,
	}
}

func New(opts ...Option) *Native {
	types, heaps := DefaultMemoryTypes()
	n := &Native{
		info: gpu.CapabilitiesInfo{
			Name:          "vkmem headless",
			Kind:          gpu.DeviceKindCpu,
			VendorID:      0x10005,
			DeviceID:      0x0001,
			APIVersion:    1<<22 | 3<<12,
			DriverVersion: 1,
			Limits:        DefaultLimits(),
			MemoryTypes:   types,
			MemoryHeaps:   heaps,
		},
		queueFamilies:   2,
		bufferAlignment: 16,
		bufferTypeBits:  ^uint32(0),
		nextHandle:      1,
		memory:          make(map[gpu.Handle]*memoryObject),
		buffers:         make(map[gpu.Handle]*bufferObject),
		submissions:     make(map[gpu.Handle]struct{}),
		exhaustedType:   make(map[uint32]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.heapUsed = make([]uint64, len(n.info.MemoryHeaps))
	return n
}

// FromConfig builds a device from the [headless] configuration section.
// Zero values keep the defaults.
func FromConfig(cfg core.HeadlessConfig) (*Native, error) {
	var opts []Option
	if cfg.DeviceName != "" {
		opts = append(opts, WithDeviceName(cfg.DeviceName))
	}
	kind, err := gpu.ParseDeviceKind(cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("headless.kind: %s: %w", err.Error(), core.ErrInvalidConfig)
	}
	if cfg.Kind != "" {
		opts = append(opts, WithKind(kind))
	}

	if len(cfg.MemoryTypes) > 0 {
		heaps := make([]gpu.MemoryHeap, len(cfg.Heaps))
		for i, h := range cfg.Heaps {
			heaps[i] = gpu.MemoryHeap{Size: h.Size, DeviceLocal: h.DeviceLocal}
		}
		types := make([]gpu.MemoryType, len(cfg.MemoryTypes))
		for i, t := range cfg.MemoryTypes {
			flags, err := gpu.ParseMemoryProperties(t.Properties)
			if err != nil {
				return nil, fmt.Errorf("headless.memory_types[%d]: %s: %w", i, err.Error(), core.ErrInvalidConfig)
			}
			types[i] = gpu.MemoryType{PropertyFlags: flags, HeapIndex: t.Heap}
		}
		opts = append(opts, WithMemory(types, heaps))
	}

	limits := DefaultLimits()
	if cfg.MaxBufferSize > 0 {
		limits.MaxBufferSize = cfg.MaxBufferSize
	}
	if cfg.MaxMemoryAllocationCount > 0 {
		limits.MaxMemoryAllocationCount = cfg.MaxMemoryAllocationCount
	}
	if cfg.NonCoherentAtomSize > 0 {
		limits.NonCoherentAtomSize = cfg.NonCoherentAtomSize
	}
	if cfg.MaxVertexInputAttributes > 0 {
		limits.MaxVertexInputAttributes = cfg.MaxVertexInputAttributes
	}
	if cfg.MaxDrawIndexedIndexValue > 0 {
		limits.MaxDrawIndexedIndexValue = cfg.MaxDrawIndexedIndexValue
	}
	opts = append(opts, WithLimits(limits))
	return New(opts...), nil
}

// Lose simulates VK_ERROR_DEVICE_LOST: every later call fails.
func (n *Native) Lose() {
	n.lost = true
}

// ExhaustMemoryType makes every allocation on typeIndex report out of memory.
func (n *Native) ExhaustMemoryType(typeIndex uint32) {
	n.exhaustedType[typeIndex] = true
}

// FailSubmissions makes Submit return err until called again with nil.
func (n *Native) FailSubmissions(err error) {
	n.submitErr = err
}

// FailBinds makes BindBufferMemory return err until called again with nil.
func (n *Native) FailBinds(err error) {
	n.bindErr = err
}

func (n *Native) Stats() Stats           { return n.stats }
func (n *Native) LiveMemoryObjects() int { return len(n.memory) }
func (n *Native) LiveBuffers() int       { return len(n.buffers) }
func (n *Native) PendingSubmissions() int {
	return len(n.submissions)
}
func (n *Native) Destroyed() bool { return n.destroyed }

func (n *Native) HeapUsage(heap uint32) uint64 {
	if int(heap) >= len(n.heapUsed) {
		return 0
	}
	return n.heapUsed[heap]
}

func (n *Native) handle() gpu.Handle {
	h := n.nextHandle
	n.nextHandle++
	return h
}

func (n *Native) check() error {
	if n.lost {
		return ErrDeviceLost
	}
	if n.destroyed {
		return fmt.Errorf("device destroyed: %w", ErrDeviceLost)
	}
	return nil
}

func (n *Native) QueryCapabilities() (*gpu.DeviceCapabilities, error) {
	if n.queryErr != nil {
		return nil, n.queryErr
	}
	if err := n.check(); err != nil {
		return nil, err
	}
	return gpu.NewDeviceCapabilities(n.info), nil
}

func (n *Native) AllocateMemory(typeIndex uint32, size uint64) (gpu.Handle, error) {
	if err := n.check(); err != nil {
		return gpu.NullHandle, err
	}
	if int(typeIndex) >= len(n.info.MemoryTypes) {
		return gpu.NullHandle, fmt.Errorf("memory type %d: %w", typeIndex, ErrUnknownHandle)
	}
	heap := n.info.MemoryTypes[typeIndex].HeapIndex
	if n.exhaustedType[typeIndex] || n.heapUsed[heap]+size > n.info.MemoryHeaps[heap].Size {
		return gpu.NullHandle, fmt.Errorf("heap %d (%d of %d bytes used): %w",
			heap, n.heapUsed[heap], n.info.MemoryHeaps[heap].Size, gpu.ErrNativeOutOfMemory)
	}

	h := n.handle()
	n.memory[h] = &memoryObject{
		typeIndex: typeIndex,
		data:      make([]byte, size),
	}
	n.heapUsed[heap] += size
	return h, nil
}

func (n *Native) FreeMemory(memory gpu.Handle) {
	m, ok := n.memory[memory]
	if !ok {
		core.LogWarn("headless: free of unknown memory %d", memory)
		return
	}
	n.heapUsed[n.info.MemoryTypes[m.typeIndex].HeapIndex] -= uint64(len(m.data))
	delete(n.memory, memory)
}

func (n *Native) MapMemory(memory gpu.Handle, offset, size uint64) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	m, ok := n.memory[memory]
	if !ok {
		return nil, fmt.Errorf("memory %d: %w", memory, ErrUnknownHandle)
	}
	if !n.info.MemoryTypes[m.typeIndex].PropertyFlags.HostVisible() {
		return nil, fmt.Errorf("memory type %d: %w", m.typeIndex, gpu.ErrNotHostVisible)
	}
	if m.mapped {
		return nil, fmt.Errorf("memory %d: %w", memory, ErrAlreadyMapped)
	}
	if offset > uint64(len(m.data)) || size > uint64(len(m.data))-offset {
		return nil, fmt.Errorf("map %d bytes at %d of memory %d: %w", size, offset, memory, gpu.ErrOutOfRange)
	}
	m.mapped = true
	n.stats.Maps++
	return m.data[offset : offset+size : offset+size], nil
}

func (n *Native) UnmapMemory(memory gpu.Handle) {
	if m, ok := n.memory[memory]; ok {
		m.mapped = false
	}
}

// checkAtomRange applies the nonCoherentAtomSize rules to a flush or
// invalidate of mapped memory.
func (n *Native) checkAtomRange(memory gpu.Handle, offset, size uint64) error {
	if err := n.check(); err != nil {
		return err
	}
	m, ok := n.memory[memory]
	if !ok {
		return fmt.Errorf("memory %d: %w", memory, ErrUnknownHandle)
	}
	if !m.mapped {
		return fmt.Errorf("memory %d is not mapped: %w", memory, ErrUnknownHandle)
	}
	atom := n.info.Limits.NonCoherentAtomSize
	if atom <= 1 {
		return nil
	}
	end := offset + size
	if offset%atom != 0 || (size%atom != 0 && end != uint64(len(m.data))) {
		return fmt.Errorf("range [%d, %d) with atom size %d: %w", offset, end, atom, ErrMisaligned)
	}
	if end > uint64(len(m.data)) {
		return fmt.Errorf("range [%d, %d) of memory %d: %w", offset, end, memory, gpu.ErrOutOfRange)
	}
	return nil
}

func (n *Native) FlushMemory(memory gpu.Handle, offset, size uint64) error {
	if err := n.checkAtomRange(memory, offset, size); err != nil {
		return err
	}
	n.stats.Flushes++
	return nil
}

func (n *Native) InvalidateMemory(memory gpu.Handle, offset, size uint64) error {
	if err := n.checkAtomRange(memory, offset, size); err != nil {
		return err
	}
	n.stats.Invalidates++
	return nil
}

func (n *Native) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Handle, gpu.MemoryRequirements, error) {
	if err := n.check(); err != nil {
		return gpu.NullHandle, gpu.MemoryRequirements{}, err
	}
	if info.Size == 0 || info.Usage == 0 {
		return gpu.NullHandle, gpu.MemoryRequirements{}, fmt.Errorf("size %d, usage %s: %w", info.Size, info.Usage, ErrInvalidBuffer)
	}
	for _, family := range info.Sharing.QueueFamilies() {
		if family >= n.queueFamilies {
			return gpu.NullHandle, gpu.MemoryRequirements{}, fmt.Errorf("family %d of %d: %w", family, n.queueFamilies, ErrInvalidQueueFamily)
		}
	}

	h := n.handle()
	n.buffers[h] = &bufferObject{info: info}
	typeBits := n.bufferTypeBits
	if count := len(n.info.MemoryTypes); count < 32 {
		typeBits &= 1<<uint32(count) - 1
	}
	return h, gpu.MemoryRequirements{
		Size:           info.Size,
		Alignment:      n.bufferAlignment,
		MemoryTypeBits: typeBits,
	}, nil
}

func (n *Native) BindBufferMemory(buffer, memory gpu.Handle, offset uint64) error {
	if err := n.check(); err != nil {
		return err
	}
	b, ok := n.buffers[buffer]
	if !ok {
		return fmt.Errorf("buffer %d: %w", buffer, ErrUnknownHandle)
	}
	m, ok := n.memory[memory]
	if !ok {
		return fmt.Errorf("memory %d: %w", memory, ErrUnknownHandle)
	}
	if b.bound {
		return fmt.Errorf("buffer %d: %w", buffer, ErrAlreadyBound)
	}
	if n.bindErr != nil {
		return n.bindErr
	}
	if n.bufferTypeBits&(1<<m.typeIndex) == 0 {
		return fmt.Errorf("buffer %d cannot use memory type %d: %w", buffer, m.typeIndex, ErrInvalidBuffer)
	}
	if n.bufferAlignment > 1 && offset%n.bufferAlignment != 0 {
		return fmt.Errorf("offset %d with alignment %d: %w", offset, n.bufferAlignment, ErrMisaligned)
	}
	if offset > uint64(len(m.data)) || b.info.Size > uint64(len(m.data))-offset {
		return fmt.Errorf("bind %d bytes at %d: %w", b.info.Size, offset, gpu.ErrOutOfRange)
	}
	b.memory, b.offset, b.bound = memory, offset, true
	return nil
}

func (n *Native) DestroyBuffer(buffer gpu.Handle) {
	if _, ok := n.buffers[buffer]; !ok {
		core.LogWarn("headless: destroy of unknown buffer %d", buffer)
		return
	}
	delete(n.buffers, buffer)
}

// resolve returns the bytes a recorded range refers to, after checking the
// buffer is still alive and bound where the recording says it is.
func (n *Native) resolve(r gpu.BufferRange, usage gpu.BufferUsage) ([]byte, error) {
	b, ok := n.buffers[r.Buffer]
	if !ok {
		return nil, fmt.Errorf("buffer %d: %w", r.Buffer, ErrUnknownHandle)
	}
	if !b.bound {
		return nil, fmt.Errorf("buffer %d: %w", r.Buffer, ErrUnboundBuffer)
	}
	if b.memory != r.Memory || b.offset != r.Offset {
		return nil, fmt.Errorf("buffer %d is bound at %d/%d, recorded %d/%d: %w",
			r.Buffer, b.memory, b.offset, r.Memory, r.Offset, ErrUnboundBuffer)
	}
	if !b.info.Usage.Has(usage) {
		return nil, fmt.Errorf("buffer %d usage %s lacks %s: %w", r.Buffer, b.info.Usage, usage, ErrInvalidBuffer)
	}
	m := n.memory[b.memory]
	return m.data[b.offset : b.offset+b.info.Size], nil
}

func (n *Native) Submit(commands []gpu.Command) (gpu.Handle, error) {
	if err := n.check(); err != nil {
		return gpu.NullHandle, err
	}
	if n.submitErr != nil {
		return gpu.NullHandle, n.submitErr
	}

	for i, c := range commands {
		var err error
		switch c.Kind {
		case gpu.COMMAND_BIND_VERTEX_BUFFER:
			_, err = n.resolve(c.Vertex, gpu.BufferUsageVertex)
		case gpu.COMMAND_BIND_INDEX_BUFFER:
			_, err = n.resolve(c.Index, gpu.BufferUsageIndex)
		case gpu.COMMAND_DRAW:
			if _, err = n.resolve(c.Vertex, gpu.BufferUsageVertex); err == nil {
				n.stats.Draws++
				n.stats.VerticesDrawn += uint64(c.Count) * uint64(c.InstanceCount)
			}
		case gpu.COMMAND_DRAW_INDEXED:
			if _, err = n.resolve(c.Vertex, gpu.BufferUsageVertex); err != nil {
				break
			}
			var indices []byte
			if indices, err = n.resolve(c.Index, gpu.BufferUsageIndex); err != nil {
				break
			}
			if need := uint64(c.Count) * c.IndexType.Width(); need > uint64(len(indices)) {
				err = fmt.Errorf("%d indices need %d bytes, index buffer holds %d: %w", c.Count, need, len(indices), gpu.ErrOutOfRange)
				break
			}
			n.stats.DrawsIndexed++
			n.stats.IndicesDrawn += uint64(c.Count) * uint64(c.InstanceCount)
		case gpu.COMMAND_COPY_BUFFER:
			var src, dst []byte
			if src, err = n.resolve(c.Src, gpu.BufferUsageTransferSrc); err != nil {
				break
			}
			if dst, err = n.resolve(c.Dst, gpu.BufferUsageTransferDst); err != nil {
				break
			}
			if c.Size > uint64(len(src)) || c.Size > uint64(len(dst)) {
				err = fmt.Errorf("copy of %d bytes: %w", c.Size, gpu.ErrOutOfRange)
				break
			}
			copy(dst[:c.Size], src[:c.Size])
			n.stats.Copies++
			n.stats.BytesCopied += c.Size
		default:
			err = fmt.Errorf("unknown command kind %d", c.Kind)
		}
		if err != nil {
			err = fmt.Errorf("command %d (%s): %w", i, c.Kind, err)
			core.LogError(err.Error())
			return gpu.NullHandle, err
		}
	}

	h := n.handle()
	n.submissions[h] = struct{}{}
	n.stats.Submissions++
	return h, nil
}

// Wait returns immediately: submissions execute synchronously in Submit.
func (n *Native) Wait(submission gpu.Handle) error {
	if _, ok := n.submissions[submission]; !ok {
		return fmt.Errorf("submission %d: %w", submission, ErrUnknownHandle)
	}
	delete(n.submissions, submission)
	if n.lost {
		return ErrDeviceLost
	}
	return nil
}

func (n *Native) Destroy() {
	if n.destroyed {
		return
	}
	if len(n.buffers) > 0 || len(n.memory) > 0 {
		core.LogWarn("headless: destroyed with %d buffers and %d memory objects alive", len(n.buffers), len(n.memory))
	}
	n.destroyed = true
}
