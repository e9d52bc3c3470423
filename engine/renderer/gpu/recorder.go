package gpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/spaghettifunk/vkmem/engine/containers"
	"github.com/spaghettifunk/vkmem/engine/core"
)

type RecorderState int

const (
	RECORDER_STATE_RECORDING RecorderState = iota
	RECORDER_STATE_FINALIZED
)

// CommandRecorder accumulates binds and draws for one recording session.
// Every buffer it references is cloned once and kept until the recording
// is discarded or its submission completes.
type CommandRecorder struct {
	id     uuid.UUID
	device *Device
	State  RecorderState

	vertex    *Buffer
	index     *Buffer
	indexType IndexType

	commands []Command
	tracked  []*Buffer
}

func (d *Device) NewCommandRecorder() (*CommandRecorder, error) {
	if err := d.checkLive("create command recorder"); err != nil {
		return nil, err
	}
	return &CommandRecorder{
		id:     uuid.New(),
		device: d.Clone(),
		State:  RECORDER_STATE_RECORDING,
	}, nil
}

func (r *CommandRecorder) ID() uuid.UUID {
	return r.id
}

func (r *CommandRecorder) Commands() []Command {
	return slices.Clone(r.commands)
}

// BindVertexBuffer replaces the current vertex binding.
func (r *CommandRecorder) BindVertexBuffer(buffer *Buffer) error {
	if err := r.checkBuffer("bind_vertex_buffer", buffer, BufferUsageVertex); err != nil {
		return err
	}
	r.vertex = r.track(buffer)
	r.commands = append(r.commands, Command{
		Kind:   COMMAND_BIND_VERTEX_BUFFER,
		Vertex: r.vertex.bufferRange(),
	})
	return nil
}

// BindIndexBuffer replaces the current index binding. An index buffer must
// be bound with the index type it was created for.
func (r *CommandRecorder) BindIndexBuffer(buffer *Buffer, indexType IndexType) error {
	if err := r.checkBuffer("bind_index_buffer", buffer, BufferUsageIndex); err != nil {
		return err
	}
	if !indexType.Valid() {
		err := fmt.Errorf("bind_index_buffer: %s: %w", indexType, ErrInvalidIndexType)
		core.LogError(err.Error())
		return err
	}
	if buffer.Kind() == BufferKindIndex && buffer.IndexType() != indexType {
		return recordError(RECORD_ERROR_INCOMPATIBLE_BUFFER,
			"bind_index_buffer: buffer holds %s indices, bound as %s", buffer.IndexType(), indexType)
	}
	r.index = r.track(buffer)
	r.indexType = indexType
	r.commands = append(r.commands, Command{
		Kind:      COMMAND_BIND_INDEX_BUFFER,
		Index:     r.index.bufferRange(),
		IndexType: indexType,
	})
	return nil
}

func (r *CommandRecorder) Draw(vertexCount, instanceCount uint32) error {
	if err := r.checkRecording("draw"); err != nil {
		return err
	}
	if r.vertex == nil {
		return recordError(RECORD_ERROR_NO_VERTEX_BUFFER_BOUND, "draw(%d, %d)", vertexCount, instanceCount)
	}
	r.commands = append(r.commands, Command{
		Kind:          COMMAND_DRAW,
		Vertex:        r.vertex.bufferRange(),
		Count:         vertexCount,
		InstanceCount: instanceCount,
	})
	return nil
}

func (r *CommandRecorder) DrawIndexed(indexCount, instanceCount uint32) error {
	if err := r.checkRecording("draw_indexed"); err != nil {
		return err
	}
	if r.vertex == nil {
		return recordError(RECORD_ERROR_NO_VERTEX_BUFFER_BOUND, "draw_indexed(%d, %d)", indexCount, instanceCount)
	}
	if r.index == nil {
		return recordError(RECORD_ERROR_NO_INDEX_BUFFER_BOUND, "draw_indexed(%d, %d)", indexCount, instanceCount)
	}
	if need := uint64(indexCount) * r.indexType.Width(); need > r.index.Capacity() {
		err := fmt.Errorf("draw_indexed: %d %s indices need %d bytes, the index buffer holds %d: %w",
			indexCount, r.indexType, need, r.index.Capacity(), ErrOutOfRange)
		core.LogError(err.Error())
		return err
	}
	r.commands = append(r.commands, Command{
		Kind:          COMMAND_DRAW_INDEXED,
		Vertex:        r.vertex.bufferRange(),
		Index:         r.index.bufferRange(),
		IndexType:     r.indexType,
		Count:         indexCount,
		InstanceCount: instanceCount,
	})
	return nil
}

// CopyBuffer records a transfer of size bytes from the start of src to the
// start of dst. A size of 0 copies all of src.
func (r *CommandRecorder) CopyBuffer(src, dst *Buffer, size uint64) error {
	if err := r.checkBuffer("copy_buffer", src, BufferUsageTransferSrc); err != nil {
		return err
	}
	if err := r.checkBuffer("copy_buffer", dst, BufferUsageTransferDst); err != nil {
		return err
	}
	if size == 0 {
		size = src.Capacity()
	}
	if size == 0 || size > src.Capacity() || size > dst.Capacity() {
		err := fmt.Errorf("copy_buffer: %d bytes from %d into %d: %w", size, src.Capacity(), dst.Capacity(), ErrOutOfRange)
		core.LogError(err.Error())
		return err
	}
	s, d := r.track(src), r.track(dst)
	r.commands = append(r.commands, Command{
		Kind: COMMAND_COPY_BUFFER,
		Src:  s.bufferRange(),
		Dst:  d.bufferRange(),
		Size: size,
	})
	return nil
}

// Finalize closes the recorder. It fails when the recorder is the last
// owner of a buffer it references, since nothing would keep that memory
// meaningful once the work executes; the recording is then discarded.
func (r *CommandRecorder) Finalize() (*Recording, error) {
	if err := r.checkRecording("finalize"); err != nil {
		return nil, err
	}
	r.State = RECORDER_STATE_FINALIZED

	var orphaned []uint32
	for _, b := range r.tracked {
		if b.StrongCount() == 1 {
			orphaned = append(orphaned, b.Owner())
		}
	}
	if len(orphaned) > 0 {
		releaseErr := r.release()
		err := recordError(RECORD_ERROR_BUFFER_STILL_REFERENCED,
			"recording %s: buffers with owner ids %v were released by every other holder", r.id, orphaned)
		return nil, errors.Join(err, releaseErr)
	}

	recording := &Recording{
		id:       r.id,
		device:   r.device,
		commands: r.commands,
		buffers:  r.tracked,
		State:    RECORDING_STATE_READY,
	}
	r.device, r.tracked, r.commands = nil, nil, nil
	r.vertex, r.index = nil, nil
	return recording, nil
}

// Discard abandons the session and releases every buffer it referenced.
func (r *CommandRecorder) Discard() error {
	if err := r.checkRecording("discard"); err != nil {
		return err
	}
	r.State = RECORDER_STATE_FINALIZED
	return r.release()
}

func (r *CommandRecorder) release() error {
	errs := releaseAll(r.tracked)
	errs = append(errs, r.device.Release())
	r.device, r.tracked, r.commands = nil, nil, nil
	r.vertex, r.index = nil, nil
	return errors.Join(errs...)
}

func (r *CommandRecorder) checkRecording(op string) error {
	if r.State != RECORDER_STATE_RECORDING {
		return recordError(RECORD_ERROR_NOT_RECORDING, "%s on recorder %s", op, r.id)
	}
	return nil
}

func (r *CommandRecorder) checkBuffer(op string, buffer *Buffer, usage BufferUsage) error {
	if err := r.checkRecording(op); err != nil {
		return err
	}
	if buffer == nil || buffer.Released() {
		err := fmt.Errorf("%s: buffer: %w", op, containers.ErrReleased)
		core.LogError(err.Error())
		return err
	}
	if !buffer.device().Same(r.device) {
		return recordError(RECORD_ERROR_INCOMPATIBLE_BUFFER, "%s: buffer belongs to another device", op)
	}
	if !buffer.Usage().Has(usage) {
		return recordError(RECORD_ERROR_INCOMPATIBLE_BUFFER, "%s: %s buffer has usage %s, needs %s",
			op, buffer.Kind(), buffer.Usage(), usage)
	}
	return nil
}

// track returns the recorder's own clone of buffer, cloning on first use.
func (r *CommandRecorder) track(buffer *Buffer) *Buffer {
	for _, b := range r.tracked {
		if b.Same(buffer) {
			return b
		}
	}
	clone := buffer.Clone()
	r.tracked = append(r.tracked, clone)
	return clone
}

func releaseAll(buffers []*Buffer) []error {
	var errs []error
	for _, b := range buffers {
		if err := b.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type RecordingState int

const (
	RECORDING_STATE_READY RecordingState = iota
	RECORDING_STATE_SUBMITTED
	RECORDING_STATE_COMPLETED
	RECORDING_STATE_DISCARDED
)

// Recording is a finalized command list together with the buffer handles
// it needs until execution completes.
type Recording struct {
	id       uuid.UUID
	device   *Device
	commands []Command
	buffers  []*Buffer
	State    RecordingState
}

func (r *Recording) ID() uuid.UUID {
	return r.id
}

func (r *Recording) Commands() []Command {
	return slices.Clone(r.commands)
}

// BufferCount is the number of distinct buffers the recording keeps alive.
func (r *Recording) BufferCount() int {
	return len(r.buffers)
}

// Discard releases the buffers of a recording that will not be submitted.
func (r *Recording) Discard() error {
	if r.State != RECORDING_STATE_READY {
		return recordError(RECORD_ERROR_NOT_RECORDING, "discard recording %s", r.id)
	}
	r.State = RECORDING_STATE_DISCARDED
	return r.release()
}

func (r *Recording) release() error {
	errs := releaseAll(r.buffers)
	errs = append(errs, r.device.Release())
	r.buffers, r.device = nil, nil
	return errors.Join(errs...)
}
