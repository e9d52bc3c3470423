package testbed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/spaghettifunk/vkmem/engine"
	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
)

const (
	VERTEX_COUNT = 100
	INDEX_COUNT  = 300
)

// IndexedDraw uploads a small mesh, draws it once and releases everything.
type IndexedDraw struct {
	*engine.Workload
}

type scenarioState struct {
	device *gpu.Device
	pool   *gpu.MemoryPool

	vertices  *gpu.Buffer
	indices   *gpu.Buffer
	recording *gpu.Recording
}

// MeshLayout is position, normal and texture coordinates: 32 bytes per vertex.
func MeshLayout() gpu.VertexLayout {
	return gpu.NewVertexLayout(
		gpu.VertexAttribute{Location: 0, Offset: 0, Format: gpu.VertexFormatFloat32x3},
		gpu.VertexAttribute{Location: 1, Offset: 12, Format: gpu.VertexFormatFloat32x3},
		gpu.VertexAttribute{Location: 2, Offset: 24, Format: gpu.VertexFormatFloat32x2},
	)
}

func NewIndexedDraw(cfg *engine.ApplicationConfig) *IndexedDraw {
	state := &scenarioState{}
	s := &IndexedDraw{
		Workload: &engine.Workload{
			ApplicationConfig: cfg,
			State:             state,
		},
	}
	s.FnInitialize = s.Initialize
	s.FnShutdown = s.Shutdown
	s.Steps = []engine.Step{
		{Name: "create vertex buffer", Fn: s.createVertexBuffer},
		{Name: "create index buffer", Fn: s.createIndexBuffer},
		{Name: "upload mesh", Fn: s.upload},
		{Name: "record", Fn: s.record},
		{Name: "submit", Fn: s.submit},
		{Name: "wait", Fn: s.wait},
		{Name: "release buffers", Fn: s.release},
	}
	return s
}

func (s *IndexedDraw) state() *scenarioState {
	return s.State.(*scenarioState)
}

func (s *IndexedDraw) Initialize(device *gpu.Device, pool *gpu.MemoryPool) error {
	st := s.state()
	st.device, st.pool = device, pool
	core.LogInfo("running indexed draw on '%s' (%s) with a %d byte pool", device.Name(), device.Kind(), pool.Capacity())
	return nil
}

func (s *IndexedDraw) createVertexBuffer() error {
	st := s.state()
	vertices, err := gpu.NewVertexBuffer(st.pool, MeshLayout(), VERTEX_COUNT)
	if err != nil {
		return err
	}
	st.vertices = vertices
	core.LogInfo("vertex buffer: %d vertices, %d bytes at offset %d", vertices.VertexCount(), vertices.Capacity(), vertices.Allocation().Offset)
	return nil
}

func (s *IndexedDraw) createIndexBuffer() error {
	st := s.state()
	indices, err := gpu.NewIndexBuffer(st.pool, gpu.IndexTypeUInt16, INDEX_COUNT)
	if err != nil {
		return err
	}
	st.indices = indices
	core.LogInfo("index buffer: %d %s indices, %d bytes at offset %d", indices.IndexCount(), indices.IndexType(), indices.Capacity(), indices.Allocation().Offset)
	return nil
}

// upload writes the mesh when the pool is mappable. Device local pools keep
// the buffers uninitialized, which is enough to exercise the draw path.
func (s *IndexedDraw) upload() error {
	st := s.state()
	if !st.pool.Properties().HostVisible() {
		core.LogInfo("pool is not host visible, mesh upload skipped")
		return nil
	}
	if err := st.vertices.Write(0, MeshVertices(VERTEX_COUNT)); err != nil {
		return err
	}
	return st.indices.WriteIndices(0, MeshIndices(INDEX_COUNT, VERTEX_COUNT))
}

func (s *IndexedDraw) record() error {
	st := s.state()
	recorder, err := st.device.NewCommandRecorder()
	if err != nil {
		return err
	}
	err = errors.Join(
		recorder.BindVertexBuffer(st.vertices),
		recorder.BindIndexBuffer(st.indices, gpu.IndexTypeUInt16),
		recorder.DrawIndexed(INDEX_COUNT, 1),
	)
	if err != nil {
		return errors.Join(err, recorder.Discard())
	}
	recording, err := recorder.Finalize()
	if err != nil {
		return err
	}
	st.recording = recording
	return nil
}

func (s *IndexedDraw) submit() error {
	st := s.state()
	if err := st.device.Submit(st.recording); err != nil {
		return err
	}
	core.LogInfo("recording %s submitted, %d in flight", st.recording.ID(), st.device.InFlight())
	return nil
}

func (s *IndexedDraw) wait() error {
	st := s.state()
	if err := st.device.WaitIdle(); err != nil {
		return err
	}
	st.recording = nil
	return nil
}

func (s *IndexedDraw) release() error {
	st := s.state()
	err := errors.Join(st.vertices.Release(), st.indices.Release())
	st.vertices, st.indices = nil, nil
	if err != nil {
		return err
	}

	free := st.pool.FreeRanges()
	if st.pool.LiveAllocations() != 0 || len(free) != 1 || free[0].Size != st.pool.Capacity() {
		return fmt.Errorf("pool did not coalesce back to one free range: %v", free)
	}
	return nil
}

// Shutdown drops whatever an interrupted run left behind so the pool can
// be destroyed.
func (s *IndexedDraw) Shutdown() error {
	st := s.state()
	var errs []error
	if st.recording != nil {
		if st.recording.State == gpu.RECORDING_STATE_READY {
			errs = append(errs, st.recording.Discard())
		} else {
			errs = append(errs, st.device.WaitIdle())
		}
		st.recording = nil
	}
	for _, b := range []*gpu.Buffer{st.vertices, st.indices} {
		if b != nil && !b.Released() {
			errs = append(errs, b.Release())
		}
	}
	st.vertices, st.indices = nil, nil
	return errors.Join(errs...)
}

// MeshVertices lays count vertices out on a 10 wide grid facing +Z.
func MeshVertices(count int) []byte {
	stride := int(MeshLayout().VertexStride())
	data := make([]byte, count*stride)
	put := func(at int, v float32) {
		binary.LittleEndian.PutUint32(data[at:], math.Float32bits(v))
	}
	for i := 0; i < count; i++ {
		base := i * stride
		x, y := float32(i%10), float32(i/10)
		// position
		put(base, x)
		put(base+4, y)
		put(base+8, 0)
		// normal
		put(base+12, 0)
		put(base+16, 0)
		put(base+20, 1)
		// uv
		put(base+24, x/9)
		put(base+28, y/9)
	}
	return data
}

// MeshIndices returns count indices cycling through vertexCount vertices.
func MeshIndices(count, vertexCount int) []uint32 {
	indices := make([]uint32, count)
	for i := range indices {
		indices[i] = uint32(i % vertexCount)
	}
	return indices
}
