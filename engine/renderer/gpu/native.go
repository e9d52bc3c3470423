package gpu

// Native is the boundary to the graphics API. The core calls it from a
// single goroutine and never concurrently.
type Native interface {
	// QueryCapabilities is called exactly once, while the Device is built.
	QueryCapabilities() (*DeviceCapabilities, error)

	// AllocateMemory returns ErrNativeOutOfMemory (possibly wrapped) when
	// the heap backing typeIndex cannot satisfy size.
	AllocateMemory(typeIndex uint32, size uint64) (Handle, error)
	FreeMemory(memory Handle)
	MapMemory(memory Handle, offset, size uint64) ([]byte, error)
	UnmapMemory(memory Handle)
	FlushMemory(memory Handle, offset, size uint64) error
	InvalidateMemory(memory Handle, offset, size uint64) error

	CreateBuffer(info BufferCreateInfo) (Handle, MemoryRequirements, error)
	BindBufferMemory(buffer, memory Handle, offset uint64) error
	DestroyBuffer(buffer Handle)

	// Submit starts executing commands and returns a handle to wait on.
	Submit(commands []Command) (Handle, error)
	Wait(submission Handle) error

	Destroy()
}

type BufferCreateInfo struct {
	Size    uint64
	Usage   BufferUsage
	Sharing SharingMode
}

type CommandKind int

const (
	COMMAND_BIND_VERTEX_BUFFER CommandKind = iota
	COMMAND_BIND_INDEX_BUFFER
	COMMAND_DRAW
	COMMAND_DRAW_INDEXED
	COMMAND_COPY_BUFFER
)

func (k CommandKind) String() string {
	switch k {
	case COMMAND_BIND_VERTEX_BUFFER:
		return "bind_vertex_buffer"
	case COMMAND_BIND_INDEX_BUFFER:
		return "bind_index_buffer"
	case COMMAND_DRAW:
		return "draw"
	case COMMAND_DRAW_INDEXED:
		return "draw_indexed"
	case COMMAND_COPY_BUFFER:
		return "copy_buffer"
	}
	return "unknown"
}

// BufferRange identifies the memory backing a buffer at the time a command
// was recorded.
type BufferRange struct {
	Buffer Handle
	Memory Handle
	Offset uint64
	Size   uint64
}

// Command is one recorded operation. Which fields are meaningful depends on
// Kind:
//
//	bind_vertex_buffer  Vertex
//	bind_index_buffer   Index, IndexType
//	draw                Vertex, Count, InstanceCount
//	draw_indexed        Vertex, Index, IndexType, Count, InstanceCount
//	copy_buffer         Src, Dst, Size
type Command struct {
	Kind          CommandKind
	Vertex        BufferRange
	Index         BufferRange
	IndexType     IndexType
	Src           BufferRange
	Dst           BufferRange
	Size          uint64
	Count         uint32
	InstanceCount uint32
}
