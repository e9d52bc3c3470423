package gpu_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/spaghettifunk/vkmem/engine/renderer/headless"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestMemoryPoolConservationUnderRandomTraffic(t *testing.T) {
	for _, strategy := range []gpu.AllocationStrategy{gpu.FirstFit, gpu.BestFit} {
		t.Run(strategy.String(), func(t *testing.T) {
			device, _ := newDevice(t)
			pool := newPool(t, device, 64*1024, gpu.WithStrategy(strategy))
			rng := rand.New(rand.NewSource(42))

			var live []gpu.Allocation
			for i := 0; i < 2000; i++ {
				if len(live) == 0 || rng.Intn(3) != 0 {
					size := uint64(rng.Intn(2048))
					alignment := uint64(1) << rng.Intn(8)
					a, err := pool.Allocate(size, alignment, 0)
					if err != nil {
						require.ErrorIs(t, err, gpu.ErrPoolExhausted)
						continue
					}
					require.Zero(t, a.Offset%alignment)
					require.Equal(t, size, a.Size)
					live = append(live, a)
				} else {
					victim := rng.Intn(len(live))
					require.NoError(t, pool.Free(live[victim]))
					live = append(live[:victim], live[victim+1:]...)
				}
				requireConsistent(t, pool)
			}

			for _, a := range live {
				require.NoError(t, pool.Free(a))
			}
			assert.Equal(t, []gpu.Range{{Offset: 0, Size: 64 * 1024}}, pool.FreeRanges())
			require.NoError(t, pool.Destroy())
		})
	}
}

func TestMemoryPoolCoalescesAdjacentFrees(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)

	a, err := pool.Allocate(256, 1, 0)
	require.NoError(t, err)
	b, err := pool.Allocate(256, 1, 0)
	require.NoError(t, err)
	c, err := pool.Allocate(256, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []gpu.Range{{Offset: 768, Size: 256}}, pool.FreeRanges())

	require.NoError(t, pool.Free(a))
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: 256}, {Offset: 768, Size: 256}}, pool.FreeRanges())

	require.NoError(t, pool.Free(b))
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: 512}, {Offset: 768, Size: 256}}, pool.FreeRanges())

	require.NoError(t, pool.Free(c))
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: 1024}}, pool.FreeRanges())
	requireConsistent(t, pool)
}

func TestMemoryPoolAlignmentPaddingStaysFree(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)

	a, err := pool.Allocate(10, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Offset)

	b, err := pool.Allocate(16, 64, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), b.Offset)
	assert.Equal(t, []gpu.Range{{Offset: 10, Size: 54}, {Offset: 80, Size: 944}}, pool.FreeRanges())
	requireConsistent(t, pool)

	// the padding is reusable
	c, err := pool.Allocate(50, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Offset)
	requireConsistent(t, pool)
}

func TestMemoryPoolStrategies(t *testing.T) {
	// leaves free ranges [0,100) [110,150) [160,1024)
	fragment := func(t *testing.T, pool *gpu.MemoryPool) {
		var allocs []gpu.Allocation
		for _, size := range []uint64{100, 10, 40, 10} {
			a, err := pool.Allocate(size, 1, 0)
			require.NoError(t, err)
			allocs = append(allocs, a)
		}
		require.NoError(t, pool.Free(allocs[0]))
		require.NoError(t, pool.Free(allocs[2]))
		require.Equal(t, []gpu.Range{{Offset: 0, Size: 100}, {Offset: 110, Size: 40}, {Offset: 160, Size: 864}}, pool.FreeRanges())
	}

	device, _ := newDevice(t)

	first := newPool(t, device, 1024, gpu.WithStrategy(gpu.FirstFit))
	fragment(t, first)
	a, err := first.Allocate(30, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Offset)

	best := newPool(t, device, 1024, gpu.WithStrategy(gpu.BestFit))
	fragment(t, best)
	a, err = best.Allocate(30, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), a.Offset)
	assert.Equal(t, gpu.BestFit, best.Strategy())
	requireConsistent(t, best)
}

func TestLinearPoolBumpsTheTop(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 4096, gpu.WithStrategy(gpu.Linear))
	assert.Equal(t, gpu.Linear, pool.Strategy())

	a, err := pool.Allocate(100, 1, 0)
	require.NoError(t, err)
	b, err := pool.Allocate(100, 64, 0)
	require.NoError(t, err)
	c, err := pool.Allocate(200, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 128, 228}, []uint64{a.Offset, b.Offset, c.Offset})
	// the alignment padding is not handed out again
	assert.Equal(t, []gpu.Range{{Offset: 428, Size: 3668}}, pool.FreeRanges())

	// below the top: retired
	require.NoError(t, pool.Free(a))
	assert.Equal(t, []gpu.Range{{Offset: 428, Size: 3668}}, pool.FreeRanges())
	assert.Equal(t, uint64(128), pool.Stats().Retired)

	// the top moves back
	require.NoError(t, pool.Free(c))
	assert.Equal(t, []gpu.Range{{Offset: 228, Size: 3868}}, pool.FreeRanges())
	d, err := pool.Allocate(50, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(228), d.Offset)

	assert.ErrorIs(t, pool.Free(a), gpu.ErrDoubleFree)
	assert.ErrorIs(t, pool.Reset(), gpu.ErrPoolBusy)

	// empty again: everything is reclaimed
	require.NoError(t, pool.Free(b))
	require.NoError(t, pool.Free(d))
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: 4096}}, pool.FreeRanges())
	assert.Zero(t, pool.Stats().Retired)
	require.NoError(t, pool.Reset())
	requireConsistent(t, pool)
}

func TestLinearPoolDoesNotReuseRetiredSpace(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024, gpu.WithStrategy(gpu.Linear))

	low, err := pool.Allocate(600, 1, 0)
	require.NoError(t, err)
	high, err := pool.Allocate(300, 1, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Free(low))

	_, err = pool.Allocate(200, 1, 0)
	assert.ErrorIs(t, err, gpu.ErrPoolExhausted)
	stats := pool.Stats()
	assert.Equal(t, uint64(124), stats.Available)
	assert.Equal(t, uint64(600), stats.Retired)
	assert.Equal(t, uint64(1), stats.Failures)

	require.NoError(t, pool.Free(high))
	again, err := pool.Allocate(1024, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), again.Offset)
	require.NoError(t, pool.Free(again))
}

func TestParseAllocationStrategy(t *testing.T) {
	for name, want := range map[string]gpu.AllocationStrategy{
		"":          gpu.FirstFit,
		"first_fit": gpu.FirstFit,
		"BEST_FIT":  gpu.BestFit,
		"linear":    gpu.Linear,
	} {
		got, err := gpu.ParseAllocationStrategy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
		if name != "" {
			assert.Equal(t, strings.ToLower(name), got.String())
		}
	}
	_, err := gpu.ParseAllocationStrategy("worst_fit")
	assert.Error(t, err)
}

func TestMemoryPoolExhausted(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)

	_, err := pool.Allocate(1025, 1, 0)
	require.ErrorIs(t, err, gpu.ErrPoolExhausted)

	var allocErr *gpu.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, gpu.ALLOCATION_ERROR_POOL_EXHAUSTED, allocErr.Kind)
	assert.NotErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	// fits by size, not once aligned
	_, err = pool.Allocate(1, 1, 0)
	require.NoError(t, err)
	_, err = pool.Allocate(1000, 512, 0)
	assert.ErrorIs(t, err, gpu.ErrPoolExhausted)
	assert.Equal(t, uint64(2), pool.Stats().Failures)
}

func TestMemoryPoolFreeErrors(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)
	other := newPool(t, device, 1024)

	a, err := pool.Allocate(64, 1, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Free(a))
	assert.ErrorIs(t, pool.Free(a), gpu.ErrDoubleFree)

	assert.ErrorIs(t, pool.Free(gpu.Allocation{ID: 1, Size: 64}), gpu.ErrForeignAllocation)

	b, err := other.Allocate(64, 1, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, pool.Free(b), gpu.ErrForeignAllocation)
	require.NoError(t, other.Free(b))
	requireConsistent(t, pool)
}

func TestMemoryPoolRejectsBadAlignment(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)

	_, err := pool.Allocate(16, 3, 0)
	assert.ErrorIs(t, err, gpu.ErrInvalidAlignment)

	a, err := pool.Allocate(16, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Offset)
}

func TestMemoryPoolZeroSizeAllocationsAreTracked(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)

	a, err := pool.Allocate(0, 16, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.LiveAllocations())
	assert.Equal(t, uint32(7), a.Owner)
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: 1024}}, pool.FreeRanges())
	requireConsistent(t, pool)

	assert.ErrorIs(t, pool.Destroy(), gpu.ErrPoolBusy)
	require.NoError(t, pool.Free(a))
	require.NoError(t, pool.Destroy())
}

func TestMemoryPoolReset(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)

	a, err := pool.Allocate(128, 1, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, pool.Reset(), gpu.ErrPoolBusy)

	require.NoError(t, pool.Free(a))
	require.NoError(t, pool.Reset())
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: 1024}}, pool.FreeRanges())
	stats := pool.Stats()
	assert.Zero(t, stats.Allocations)
	assert.Equal(t, uint64(128), stats.PeakInUse)

	// released ids stay released after a reset
	assert.ErrorIs(t, pool.Free(a), gpu.ErrDoubleFree)
}

func TestMemoryPoolDestroy(t *testing.T) {
	device, native := newDevice(t)
	pool := newPool(t, device, 1024)
	assert.Equal(t, 1, native.LiveMemoryObjects())
	assert.Equal(t, uint32(1), device.LiveMemoryObjects())

	a, err := pool.Allocate(16, 1, 0)
	require.NoError(t, err)

	err = pool.Destroy()
	require.ErrorIs(t, err, gpu.ErrPoolBusy)
	assert.False(t, pool.Released())

	require.NoError(t, pool.Free(a))
	require.NoError(t, pool.Destroy())
	assert.True(t, pool.Released())
	assert.Equal(t, 0, native.LiveMemoryObjects())
	assert.Equal(t, uint32(0), device.LiveMemoryObjects())

	assert.ErrorIs(t, pool.Destroy(), gpu.ErrDoubleFree)
}

func TestMemoryPoolDroppedWithLiveAllocationsPanics(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 1024)
	_, err := pool.Allocate(16, 1, 0)
	require.NoError(t, err)

	assert.Panics(t, func() { pool.Release() })
}

func TestNewMemoryPoolMemoryTypeSelection(t *testing.T) {
	device, native := newDevice(t)

	pool := newPool(t, device, MiB, gpu.WithMemoryProperties(gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCached))
	assert.Equal(t, uint32(3), pool.MemoryType())
	assert.True(t, pool.Properties().Contains(gpu.MemoryPropertyHostCached))

	pool = newPool(t, device, MiB, gpu.WithMemoryTypeBits(1<<1))
	assert.Equal(t, uint32(1), pool.MemoryType())
	assert.Equal(t, gpu.MemoryPropertyDeviceLocal, pool.Properties())

	_, err := gpu.NewMemoryPool(device, MiB, gpu.WithMemoryProperties(gpu.MemoryPropertyLazilyAllocated))
	assert.ErrorIs(t, err, gpu.ErrNoSuitableMemoryType)

	_, err = gpu.NewMemoryPool(device, MiB, gpu.WithMemoryTypeBits(0))
	assert.ErrorIs(t, err, gpu.ErrNoSuitableMemoryType)
	assert.Equal(t, 2, native.LiveMemoryObjects())
}

func TestNewMemoryPoolFallsBackToNextMemoryType(t *testing.T) {
	device, native := newDevice(t)
	native.ExhaustMemoryType(0)

	pool := newPool(t, device, MiB, gpu.WithMemoryProperties(gpu.MemoryPropertyHostVisible))
	assert.Equal(t, uint32(2), pool.MemoryType())

	native.ExhaustMemoryType(2)
	native.ExhaustMemoryType(3)
	_, err := gpu.NewMemoryPool(device, MiB, gpu.WithMemoryProperties(gpu.MemoryPropertyHostVisible))
	assert.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	// larger than any heap
	_, err = gpu.NewMemoryPool(device, 512*MiB)
	assert.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	_, err = gpu.NewMemoryPool(device, 0)
	assert.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)
}

func TestNewMemoryPoolHonoursAllocationCount(t *testing.T) {
	limits := headless.DefaultLimits()
	limits.MaxMemoryAllocationCount = 1
	device, _ := newDevice(t, headless.WithLimits(limits))

	first := newPool(t, device, 1024)
	_, err := gpu.NewMemoryPool(device, 1024)
	require.ErrorIs(t, err, gpu.ErrOutOfDeviceMemory)

	require.NoError(t, first.Destroy())
	second := newPool(t, device, 1024)
	require.NoError(t, second.Destroy())
}

func TestMemoryPoolStats(t *testing.T) {
	device, _ := newDevice(t)
	pool := newPool(t, device, 4096, gpu.WithPoolName("stats"))
	assert.Equal(t, "stats", pool.Name())

	a, err := pool.Allocate(1000, 1, 0)
	require.NoError(t, err)
	_, err = pool.Allocate(3000, 1, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Free(a))

	stats := pool.Stats()
	assert.Equal(t, uint64(4096), stats.Capacity)
	assert.Equal(t, uint64(3000), stats.Allocated)
	assert.Equal(t, uint64(1096), stats.Available)
	assert.Equal(t, 1, stats.LiveAllocations)
	assert.Equal(t, 2, stats.FreeRanges)
	assert.Equal(t, uint64(1000), stats.LargestFreeRange)
	assert.Equal(t, uint64(2), stats.Allocations)
	assert.Equal(t, uint64(1), stats.Frees)
	assert.Equal(t, uint64(4000), stats.PeakInUse)
	assert.InDelta(t, 2000.0, stats.AverageAllocationSize, 0.001)
}
