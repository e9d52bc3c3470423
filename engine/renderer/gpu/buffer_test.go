package gpu_test

import (
	"errors"
	"math"
	"testing"

	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/spaghettifunk/vkmem/engine/renderer/headless"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVertexBufferCapacity(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB)
	layout := meshLayout()
	require.Equal(t, uint32(32), layout.VertexStride())

	vertices, err := gpu.NewVertexBuffer(pool, layout, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(3200), vertices.Capacity())
	assert.Equal(t, uint32(100), vertices.VertexCount())
	assert.Equal(t, gpu.BufferKindVertex, vertices.Kind())
	assert.True(t, vertices.Usage().Has(gpu.BufferUsageVertex|gpu.BufferUsageTransferDst))
	assert.False(t, vertices.SharingMode().IsConcurrent())
	assert.Equal(t, uint32(32), vertices.VertexLayout().Stride)

	empty, err := gpu.NewVertexBuffer(pool, layout, 0)
	require.NoError(t, err)
	assert.Zero(t, empty.Capacity())
	assert.Equal(t, gpu.NullHandle, empty.Handle())
	assert.Equal(t, 2, pool.LiveAllocations())
	assert.Equal(t, 1, native.LiveBuffers())

	// 40000 * 32 bytes does not fit in 1 MiB
	buffers, owners := native.LiveBuffers(), device.LiveOwners()
	_, err = gpu.NewVertexBuffer(pool, layout, 40000)
	require.ErrorIs(t, err, gpu.ErrPoolExhausted)
	assert.Equal(t, buffers, native.LiveBuffers())
	assert.Equal(t, owners, device.LiveOwners())
	assert.Equal(t, 2, pool.LiveAllocations())
	requireConsistent(t, pool)

	require.NoError(t, vertices.Release())
	require.NoError(t, empty.Release())
	require.NoError(t, pool.Destroy())
}

func TestVertexBufferExplicitStride(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	vertices, err := gpu.NewVertexBuffer(pool, meshLayout().WithStride(48), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(480), vertices.Capacity())
}

func TestVertexBufferRejectsInvalidLayouts(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	layouts := map[string]gpu.VertexLayout{
		"empty": gpu.NewVertexLayout(),
		"duplicate location": gpu.NewVertexLayout(
			gpu.VertexAttribute{Location: 0, Offset: 0, Format: gpu.VertexFormatFloat32x3},
			gpu.VertexAttribute{Location: 0, Offset: 12, Format: gpu.VertexFormatFloat32x3},
		),
		"stride too small": meshLayout().WithStride(16),
		"location out of range": gpu.NewVertexLayout(
			gpu.VertexAttribute{Location: 16, Offset: 0, Format: gpu.VertexFormatFloat32},
		),
		"stride above limit": meshLayout().WithStride(4096),
		"unknown format": gpu.NewVertexLayout(
			gpu.VertexAttribute{Location: 0, Offset: 0, Format: gpu.VertexFormat(99)},
		),
		"offset overflows": gpu.NewVertexLayout(
			gpu.VertexAttribute{Location: 0, Offset: 0xFFFFFFFE, Format: gpu.VertexFormatFloat32x4},
		),
		"offset overflows with explicit stride": gpu.NewVertexLayout(
			gpu.VertexAttribute{Location: 0, Offset: 0xFFFFFFF0, Format: gpu.VertexFormatFloat32x4},
		).WithStride(64),
	}
	for name, layout := range layouts {
		t.Run(name, func(t *testing.T) {
			_, err := gpu.NewVertexBuffer(pool, layout, 4)
			assert.ErrorIs(t, err, gpu.ErrInvalidLayout)
		})
	}
	assert.Zero(t, pool.LiveAllocations())
}

func TestVertexLayoutOverflowWithoutDeviceLimits(t *testing.T) {
	layout := gpu.NewVertexLayout(
		gpu.VertexAttribute{Location: 0, Offset: 0xFFFFFFFE, Format: gpu.VertexFormatFloat32x4},
	)
	assert.ErrorIs(t, layout.Validate(gpu.Limits{}), gpu.ErrInvalidLayout)

	last := gpu.NewVertexLayout(
		gpu.VertexAttribute{Location: 0, Offset: 0xFFFFFFFB, Format: gpu.VertexFormatFloat32},
	)
	require.NoError(t, last.Validate(gpu.Limits{}))
	assert.Equal(t, uint32(0xFFFFFFFF), last.VertexStride())
}

func TestIndexBufferCapacity(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	short, err := gpu.NewIndexBuffer(pool, gpu.IndexTypeUInt16, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), short.Capacity())
	assert.Equal(t, gpu.IndexTypeUInt16, short.IndexType())
	assert.Equal(t, uint32(300), short.IndexCount())

	long, err := gpu.NewIndexBuffer(pool, gpu.IndexTypeUInt32, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), long.Capacity())
	assert.Zero(t, long.Allocation().Offset%4)
	assert.True(t, long.Usage().Has(gpu.BufferUsageIndex))
	requireConsistent(t, pool)

	allocations := pool.LiveAllocations()
	_, err = gpu.NewIndexBuffer(pool, gpu.IndexType(9), 10)
	assert.ErrorIs(t, err, gpu.ErrInvalidIndexType)
	assert.Equal(t, allocations, pool.LiveAllocations())
}

func TestBufferExceedsDeviceLimit(t *testing.T) {
	limits := headless.DefaultLimits()
	limits.MaxBufferSize = 1024
	device, native := newDevice(t, headless.WithLimits(limits))
	pool := newPool(t, device, MiB)

	_, err := gpu.NewBuffer(pool, 2048, gpu.BufferUsageStorage)
	assert.ErrorIs(t, err, gpu.ErrExceedsDeviceLimit)
	assert.Zero(t, native.LiveBuffers())
	assert.Zero(t, pool.LiveAllocations())
}

func TestBufferAlignmentFollowsUsage(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	storage, err := gpu.NewBuffer(pool, 16, gpu.BufferUsageStorage)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), storage.Allocation().Offset)

	uniform, err := gpu.NewBuffer(pool, 16, gpu.BufferUsageUniform)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), uniform.Allocation().Offset)
	requireConsistent(t, pool)
}

func TestStagingBufferForMirrorsTarget(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	target, err := gpu.NewVertexBufferWithSharingMode(pool, meshLayout(), 100, gpu.Concurrent(0, 1))
	require.NoError(t, err)
	require.True(t, target.SharingMode().IsConcurrent())

	staging, err := gpu.NewStagingBufferFor(pool, target)
	require.NoError(t, err)
	assert.Equal(t, target.Capacity(), staging.Capacity())
	assert.Equal(t, gpu.BufferKindStaging, staging.Kind())
	assert.Equal(t, gpu.BufferUsageTransferSrc, staging.Usage())
	// not inherited from the target
	assert.False(t, staging.SharingMode().IsConcurrent())
	// the target is only read
	assert.Equal(t, 1, target.StrongCount())

	shared, err := gpu.NewStagingBufferForWithSharingMode(pool, target, gpu.Concurrent(1, 0, 1))
	require.NoError(t, err)
	assert.True(t, shared.SharingMode().IsConcurrent())
	assert.Equal(t, []uint32{0, 1}, shared.SharingMode().QueueFamilies())
}

func TestStagingBufferForReadbackTarget(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	source, err := gpu.NewBuffer(pool, 512, gpu.BufferUsageStorage|gpu.BufferUsageTransferSrc)
	require.NoError(t, err)
	readback, err := gpu.NewStagingBufferFor(pool, source)
	require.NoError(t, err)
	assert.Equal(t, gpu.BufferUsageTransferDst, readback.Usage())
	assert.Equal(t, uint64(512), readback.Capacity())
}

func TestStagingBufferForIncompatibleTarget(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB)

	uniform, err := gpu.NewBuffer(pool, 256, gpu.BufferUsageUniform)
	require.NoError(t, err)
	_, err = gpu.NewStagingBufferFor(pool, uniform)
	assert.ErrorIs(t, err, gpu.ErrIncompatibleTarget)
	assert.Equal(t, 1, native.LiveBuffers())

	require.NoError(t, uniform.Release())
	_, err = gpu.NewStagingBufferFor(pool, uniform)
	assert.ErrorIs(t, err, containers.ErrReleased)
}

func TestStagingBufferNeedsHostVisibleMemory(t *testing.T) {
	device, native := newDevice(t)
	local := newPool(t, device, MiB, gpu.WithMemoryTypeBits(1<<1))

	_, err := gpu.NewStagingBuffer(local, 256)
	assert.ErrorIs(t, err, gpu.ErrNoSuitableMemoryType)
	assert.Zero(t, native.LiveBuffers())
}

func TestBufferRejectsIncompatibleMemoryType(t *testing.T) {
	device, native := newDevice(t, headless.WithBufferMemoryTypeBits(1<<2))
	pool := newPool(t, device, MiB, gpu.WithMemoryTypeBits(1<<0))

	_, err := gpu.NewBuffer(pool, 256, gpu.BufferUsageStorage)
	assert.ErrorIs(t, err, gpu.ErrNoSuitableMemoryType)
	assert.Zero(t, native.LiveBuffers())
	assert.Zero(t, pool.LiveAllocations())
	assert.Zero(t, device.LiveOwners())
}

func TestBufferCreateFailureRollsBack(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB)

	_, err := gpu.NewBufferWithSharingMode(pool, 256, gpu.BufferUsageStorage, gpu.Concurrent(0, 5))
	assert.ErrorIs(t, err, headless.ErrInvalidQueueFamily)
	assert.Zero(t, native.LiveBuffers())
	assert.Zero(t, pool.LiveAllocations())
	assert.Zero(t, device.LiveOwners())
}

func TestBufferBindFailureRollsBack(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB)
	bindErr := errors.New("bind rejected")
	native.FailBinds(bindErr)

	_, err := gpu.NewBuffer(pool, 256, gpu.BufferUsageStorage)
	assert.ErrorIs(t, err, bindErr)
	assert.Zero(t, native.LiveBuffers())
	assert.Zero(t, pool.LiveAllocations())
	assert.Zero(t, device.LiveOwners())
	requireConsistent(t, pool)

	native.FailBinds(nil)
	buffer, err := gpu.NewBuffer(pool, 256, gpu.BufferUsageStorage)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), buffer.Allocation().Offset)
	require.NoError(t, buffer.Release())
}

func TestBufferSizeOverflowsAtomRounding(t *testing.T) {
	limits := headless.DefaultLimits()
	limits.MaxBufferSize = 0
	device, native := newDevice(t, headless.WithLimits(limits))
	pool := newPool(t, device, MiB, gpu.WithMemoryTypeBits(1<<3))
	require.False(t, pool.Properties().HostCoherent())

	_, err := gpu.NewBuffer(pool, math.MaxUint64-1, gpu.BufferUsageStorage)
	assert.ErrorIs(t, err, gpu.ErrExceedsDeviceLimit)
	assert.Zero(t, native.LiveBuffers())
	assert.Zero(t, pool.LiveAllocations())
	assert.Zero(t, device.LiveOwners())
}

func TestBufferReleaseFreesAllocationOnce(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB)

	buffer, err := gpu.NewBuffer(pool, 1024, gpu.BufferUsageStorage)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.StrongCount())
	assert.Equal(t, 1, device.LiveOwners())

	clone := buffer.Clone()
	assert.True(t, clone.Same(buffer))
	require.NoError(t, buffer.Release())
	assert.Equal(t, 1, pool.LiveAllocations())
	assert.Equal(t, 1, native.LiveBuffers())

	require.NoError(t, clone.Release())
	assert.Zero(t, pool.LiveAllocations())
	assert.Zero(t, native.LiveBuffers())
	assert.Zero(t, device.LiveOwners())
	assert.Equal(t, 1, pool.StrongCount())

	assert.ErrorIs(t, clone.Release(), gpu.ErrDoubleFree)
	assert.ErrorIs(t, buffer.Release(), gpu.ErrDoubleFree)
	require.NoError(t, pool.Destroy())
}

func TestPoolOutlivesItsBuffers(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB)

	buffer, err := gpu.NewBuffer(pool, 1024, gpu.BufferUsageStorage)
	require.NoError(t, err)

	require.ErrorIs(t, pool.Destroy(), gpu.ErrPoolBusy)
	require.NoError(t, buffer.Release())
	require.NoError(t, pool.Destroy())
	assert.Zero(t, native.LiveMemoryObjects())
}

func TestBufferHostAccess(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB, gpu.WithMemoryProperties(gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCoherent))

	buffer, err := gpu.NewBuffer(pool, 64, gpu.BufferUsageStorage)
	require.NoError(t, err)
	require.NoError(t, buffer.Write(4, []byte("hello")))

	data, err := buffer.Read(4, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	assert.ErrorIs(t, buffer.Write(60, []byte("hello")), gpu.ErrOutOfRange)
	_, err = buffer.Read(0, 65)
	assert.ErrorIs(t, err, gpu.ErrOutOfRange)

	local := newPool(t, device, MiB, gpu.WithMemoryTypeBits(1<<1))
	hidden, err := gpu.NewBuffer(local, 64, gpu.BufferUsageStorage)
	require.NoError(t, err)
	assert.ErrorIs(t, hidden.Write(0, []byte{1}), gpu.ErrNotHostVisible)
}

func TestBufferHostAccessOnNonCoherentMemory(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, MiB, gpu.WithMemoryTypeBits(1<<3))
	require.False(t, pool.Properties().HostCoherent())

	first, err := gpu.NewStagingBuffer(pool, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), first.Allocation().Size)

	second, err := gpu.NewStagingBuffer(pool, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), second.Allocation().Offset)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, second.Write(0, payload))
	assert.Equal(t, 1, native.Stats().Flushes)

	data, err := second.Read(0, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 1, native.Stats().Invalidates)
}

func TestIndexBufferWriteIndices(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, MiB)

	indices, err := gpu.NewIndexBuffer(pool, gpu.IndexTypeUInt16, 4)
	require.NoError(t, err)
	require.NoError(t, indices.WriteIndices(1, []uint32{1, 0x0203, 3}))

	data, err := indices.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 0, 3, 2, 3, 0}, data)

	assert.ErrorIs(t, indices.WriteIndices(0, []uint32{0x10000}), gpu.ErrOutOfRange)
	assert.ErrorIs(t, indices.WriteIndices(2, []uint32{1, 2, 3}), gpu.ErrOutOfRange)

	generic, err := gpu.NewBuffer(pool, 8, gpu.BufferUsageIndex)
	require.NoError(t, err)
	assert.ErrorIs(t, generic.WriteIndices(0, []uint32{1}), gpu.ErrIncompatibleBuffer)
}
