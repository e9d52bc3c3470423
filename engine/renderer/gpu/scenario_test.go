package gpu_test

import (
	"testing"

	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexedDrawScenario(t *testing.T) {
	device, native := newDevice(t)

	pool, err := gpu.NewMemoryPool(device, MiB)
	require.NoError(t, err)

	vertices, err := gpu.NewVertexBuffer(pool, meshLayout(), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100*32), vertices.Capacity())

	indices, err := gpu.NewIndexBuffer(pool, gpu.IndexTypeUInt16, 300)
	require.NoError(t, err)
	require.Equal(t, uint64(600), indices.Capacity())
	requireConsistent(t, pool)

	recorder, err := device.NewCommandRecorder()
	require.NoError(t, err)
	require.NoError(t, recorder.BindVertexBuffer(vertices))
	require.NoError(t, recorder.BindIndexBuffer(indices, gpu.IndexTypeUInt16))
	require.NoError(t, recorder.DrawIndexed(300, 1))

	recording, err := recorder.Finalize()
	require.NoError(t, err)
	require.NoError(t, device.Submit(recording))
	require.NoError(t, device.WaitIdle())
	assert.Equal(t, 1, native.Stats().DrawsIndexed)
	assert.Equal(t, uint64(300), native.Stats().IndicesDrawn)

	require.ErrorIs(t, pool.Destroy(), gpu.ErrPoolBusy)
	require.NoError(t, vertices.Release())
	require.NoError(t, indices.Release())
	assert.Zero(t, pool.Allocated())
	assert.Equal(t, []gpu.Range{{Offset: 0, Size: MiB}}, pool.FreeRanges())

	require.NoError(t, pool.Destroy())
	require.NoError(t, device.Destroy())
	assert.True(t, native.Destroyed())
	assert.Zero(t, native.LiveMemoryObjects())
	assert.Zero(t, native.LiveBuffers())
}
