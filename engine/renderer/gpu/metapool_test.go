package gpu_test

import (
	"testing"

	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/spaghettifunk/vkmem/engine/renderer/headless"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// two host visible types on heaps of 3000 and 8192 bytes
func smallHeaps() headless.Option {
	return headless.WithMemory(
		[]gpu.MemoryType{
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		[]gpu.MemoryHeap{{Size: 3000}, {Size: 8192}},
	)
}

func TestMetaPoolGrowsWithBlockSizeFallback(t *testing.T) {
	device, native := newDevice(t, smallHeaps())
	meta, err := device.NewMetaPool(4096, gpu.WithPoolName("grow"))
	require.NoError(t, err)

	// 4096 does not fit heap 0, half of it does
	first, a, err := meta.Allocate(1000, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.MemoryType())
	assert.Equal(t, uint64(2048), first.Capacity())
	assert.Equal(t, "grow/0.0", first.Name())

	same, b, err := meta.Allocate(1000, 1, 0)
	require.NoError(t, err)
	assert.Same(t, first, same)
	assert.Equal(t, uint64(1000), b.Offset)

	// heap 0 has 952 bytes left, so the next type takes over
	second, c, err := meta.Allocate(1000, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), second.MemoryType())
	assert.Equal(t, uint64(4096), second.Capacity())

	// existing room is used before anything new is created
	third, d, err := meta.Allocate(3000, 1, 0)
	require.NoError(t, err)
	assert.Same(t, second, third)
	assert.Equal(t, uint64(1000), d.Offset)

	native.ExhaustMemoryType(1)
	_, _, err = meta.Allocate(4000, 1, 0)
	assert.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	stats := meta.Stats()
	assert.Equal(t, 2, stats.Pools)
	assert.Equal(t, uint64(6144), stats.Capacity)
	assert.Equal(t, uint64(6000), stats.Allocated)
	assert.Equal(t, 4, stats.LiveAllocations)
	assert.Equal(t, 2, native.LiveMemoryObjects())

	assert.ErrorIs(t, meta.Destroy(), gpu.ErrPoolBusy)
	for _, alloc := range []gpu.Allocation{a, b, c, d} {
		require.NoError(t, meta.Free(alloc))
	}
	assert.ErrorIs(t, meta.Free(a), gpu.ErrDoubleFree)
	for _, pool := range meta.Pools() {
		requireConsistent(t, pool)
	}

	require.NoError(t, meta.Trim())
	assert.Empty(t, meta.Pools())
	assert.Zero(t, native.LiveMemoryObjects())
	require.NoError(t, meta.Destroy())
}

func TestMetaPoolFallsBackToRequestSize(t *testing.T) {
	device, _ := newDevice(t, smallHeaps())
	meta, err := gpu.NewMetaPool(device, 8192, gpu.WithMemoryTypeBits(1<<0))
	require.NoError(t, err)

	// 8192, 4096, 2048 and 1024 are refused or too small, the exact size fits
	pool, a, err := meta.Allocate(2900, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2900), pool.Capacity())

	_, _, err = meta.Allocate(200, 1, 0)
	assert.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	require.NoError(t, meta.Free(a))
	require.NoError(t, meta.Destroy())
}

func TestMetaPoolFreeRejectsForeignAllocations(t *testing.T) {
	device, _ := newDevice(t)
	meta, err := device.NewMetaPool(4096)
	require.NoError(t, err)
	plain := newPool(t, device, 4096)

	foreign, err := plain.Allocate(64, 1, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, meta.Free(foreign), gpu.ErrForeignAllocation)
	require.NoError(t, plain.Free(foreign))
	require.NoError(t, meta.Destroy())
}

func TestMetaPoolStagingBuffers(t *testing.T) {
	device, native := newDevice(t)
	meta, err := device.NewMetaPool(1024, gpu.WithMemoryProperties(gpu.MemoryPropertyHostCoherent))
	require.NoError(t, err)
	pool := newPool(t, device, MiB)

	target, err := gpu.NewBuffer(pool, 256, gpu.BufferUsageStorage|gpu.BufferUsageTransferDst)
	require.NoError(t, err)

	var staging []*gpu.Buffer
	for i := 0; i < 5; i++ {
		buffer, err := meta.NewStagingBufferFor(target)
		require.NoError(t, err)
		assert.Equal(t, gpu.BufferKindStaging, buffer.Kind())
		assert.True(t, buffer.MemoryProperties().HostVisible())
		require.NoError(t, buffer.Write(0, []byte{byte(i)}))
		staging = append(staging, buffer)
	}
	// four 256 byte buffers per block
	require.Len(t, meta.Pools(), 2)
	for _, p := range meta.Pools() {
		assert.Equal(t, uint32(0), p.MemoryType())
	}
	data, err := staging[4].Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, data)

	for _, buffer := range staging {
		require.NoError(t, buffer.Release())
	}
	assert.Zero(t, meta.Stats().LiveAllocations)
	require.NoError(t, meta.Destroy())
	assert.Len(t, meta.Pools(), 0)
	assert.Equal(t, 1, native.LiveBuffers())
	require.NoError(t, target.Release())
}

func TestMetaPoolWithoutSuitableMemory(t *testing.T) {
	device, native := newDevice(t)
	local, err := device.NewMetaPool(4096, gpu.WithMemoryTypeBits(1<<1))
	require.NoError(t, err)

	buffer, err := local.NewBuffer(64, gpu.BufferUsageStorage|gpu.BufferUsageTransferDst, gpu.Exclusive())
	require.NoError(t, err)

	_, err = local.NewStagingBufferFor(buffer)
	assert.ErrorIs(t, err, gpu.ErrNoSuitableMemoryType)
	assert.Equal(t, 1, native.LiveBuffers())
	assert.Equal(t, 1, device.LiveOwners())

	_, err = gpu.NewMetaPool(device, 4096, gpu.WithMemoryProperties(gpu.MemoryPropertyLazilyAllocated))
	assert.ErrorIs(t, err, gpu.ErrNoSuitableMemoryType)
	_, err = gpu.NewMetaPool(device, 0)
	assert.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	require.NoError(t, buffer.Release())
	require.NoError(t, local.Destroy())
}

func TestMetaPoolDestroyReleasesDevice(t *testing.T) {
	device, _ := newDevice(t)
	before := device.StrongCount()

	meta, err := device.NewMetaPool(4096)
	require.NoError(t, err)
	assert.Equal(t, before+1, device.StrongCount())

	_, a, err := meta.Allocate(128, 16, 0)
	require.NoError(t, err)
	require.NoError(t, meta.Free(a))
	require.NoError(t, meta.Reset())

	require.NoError(t, meta.Destroy())
	assert.Equal(t, before, device.StrongCount())
	assert.True(t, meta.Released())
	assert.ErrorIs(t, meta.Destroy(), gpu.ErrDoubleFree)

	_, _, err = meta.Allocate(128, 16, 0)
	assert.ErrorIs(t, err, containers.ErrReleased)
}
