package gpu_test

import (
	"testing"

	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/spaghettifunk/vkmem/engine/renderer/headless"
	"github.com/stretchr/testify/require"
)

const MiB = 1 << 20

func newDevice(t *testing.T, opts ...headless.Option) (*gpu.Device, *headless.Native) {
	t.Helper()
	native := headless.New(opts...)
	device, err := gpu.NewDevice(native, gpu.WithDeviceName(t.Name()))
	require.NoError(t, err)
	return device, native
}

func newPool(t *testing.T, device *gpu.Device, size uint64, opts ...gpu.PoolOption) *gpu.MemoryPool {
	t.Helper()
	pool, err := gpu.NewMemoryPool(device, size, opts...)
	require.NoError(t, err)
	return pool
}

// position, normal, uv: 32 bytes per vertex
func meshLayout() gpu.VertexLayout {
	return gpu.NewVertexLayout(
		gpu.VertexAttribute{Location: 0, Offset: 0, Format: gpu.VertexFormatFloat32x3},
		gpu.VertexAttribute{Location: 1, Offset: 12, Format: gpu.VertexFormatFloat32x3},
		gpu.VertexAttribute{Location: 2, Offset: 24, Format: gpu.VertexFormatFloat32x2},
	)
}

// requireConsistent checks the pool bookkeeping: free ranges are sorted and
// never adjacent, live ranges never overlap, and together they cover the
// whole capacity.
func requireConsistent(t *testing.T, pool *gpu.MemoryPool) {
	t.Helper()
	var total uint64

	free := pool.FreeRanges()
	for i, r := range free {
		require.NotZero(t, r.Size, "empty free range %d", i)
		if i > 0 {
			require.Less(t, free[i-1].End(), r.Offset, "free ranges %d and %d are adjacent or overlap", i-1, i)
		}
		total += r.Size
	}

	var last gpu.Range
	for _, a := range pool.Allocations() {
		if a.Size == 0 {
			continue
		}
		require.LessOrEqual(t, last.End(), a.Offset, "allocation %d overlaps its predecessor", a.ID)
		require.LessOrEqual(t, a.Offset+a.Size, pool.Capacity())
		last = a.Range()
		total += a.Size
	}
	require.Equal(t, pool.Capacity(), total)
	require.Equal(t, pool.Capacity(), pool.Allocated()+pool.Available())
}
