package gpu

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkmem/engine/core"
)

type AllocationErrorKind int

const (
	ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE AllocationErrorKind = iota
	ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY
	ALLOCATION_ERROR_POOL_EXHAUSTED
	ALLOCATION_ERROR_DOUBLE_FREE
	ALLOCATION_ERROR_POOL_BUSY
	ALLOCATION_ERROR_INCOMPATIBLE_TARGET
	ALLOCATION_ERROR_EXCEEDS_DEVICE_LIMIT
	ALLOCATION_ERROR_FOREIGN_ALLOCATION
)

func (k AllocationErrorKind) String() string {
	switch k {
	case ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE:
		return "no suitable memory type"
	case ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY:
		return "out of device memory"
	case ALLOCATION_ERROR_POOL_EXHAUSTED:
		return "memory pool exhausted"
	case ALLOCATION_ERROR_DOUBLE_FREE:
		return "double free"
	case ALLOCATION_ERROR_POOL_BUSY:
		return "memory pool has live allocations"
	case ALLOCATION_ERROR_INCOMPATIBLE_TARGET:
		return "incompatible staging target"
	case ALLOCATION_ERROR_EXCEEDS_DEVICE_LIMIT:
		return "exceeds device limit"
	case ALLOCATION_ERROR_FOREIGN_ALLOCATION:
		return "allocation does not belong to this pool"
	}
	return "unknown allocation error"
}

// AllocationError is returned by pool and buffer operations. Two allocation
// errors match under errors.Is when their kinds are equal, so the Err*
// values below can be used as targets regardless of Detail.
type AllocationError struct {
	Kind   AllocationErrorKind
	Detail string
}

func (e *AllocationError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *AllocationError) Is(target error) bool {
	t, ok := target.(*AllocationError)
	return ok && t.Kind == e.Kind
}

var (
	ErrNoSuitableMemoryType = &AllocationError{Kind: ALLOCATION_ERROR_NO_SUITABLE_MEMORY_TYPE}
	ErrOutOfDeviceMemory    = &AllocationError{Kind: ALLOCATION_ERROR_OUT_OF_DEVICE_MEMORY}
	ErrPoolExhausted        = &AllocationError{Kind: ALLOCATION_ERROR_POOL_EXHAUSTED}
	ErrDoubleFree           = &AllocationError{Kind: ALLOCATION_ERROR_DOUBLE_FREE}
	ErrPoolBusy             = &AllocationError{Kind: ALLOCATION_ERROR_POOL_BUSY}
	ErrIncompatibleTarget   = &AllocationError{Kind: ALLOCATION_ERROR_INCOMPATIBLE_TARGET}
	ErrExceedsDeviceLimit   = &AllocationError{Kind: ALLOCATION_ERROR_EXCEEDS_DEVICE_LIMIT}
	ErrForeignAllocation    = &AllocationError{Kind: ALLOCATION_ERROR_FOREIGN_ALLOCATION}
)

func allocationError(kind AllocationErrorKind, format string, args ...interface{}) error {
	err := &AllocationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
	core.LogError(err.Error())
	return err
}

type RecordErrorKind int

const (
	RECORD_ERROR_NO_VERTEX_BUFFER_BOUND RecordErrorKind = iota
	RECORD_ERROR_NO_INDEX_BUFFER_BOUND
	RECORD_ERROR_BUFFER_STILL_REFERENCED
	RECORD_ERROR_INCOMPATIBLE_BUFFER
	RECORD_ERROR_NOT_RECORDING
)

func (k RecordErrorKind) String() string {
	switch k {
	case RECORD_ERROR_NO_VERTEX_BUFFER_BOUND:
		return "no vertex buffer bound"
	case RECORD_ERROR_NO_INDEX_BUFFER_BOUND:
		return "no index buffer bound"
	case RECORD_ERROR_BUFFER_STILL_REFERENCED:
		return "buffer is only referenced by the recording"
	case RECORD_ERROR_INCOMPATIBLE_BUFFER:
		return "buffer usage does not allow this command"
	case RECORD_ERROR_NOT_RECORDING:
		return "recorder is not recording"
	}
	return "unknown record error"
}

// RecordError is returned by the command recorder. Matching follows the
// same rules as AllocationError.
type RecordError struct {
	Kind   RecordErrorKind
	Detail string
}

func (e *RecordError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *RecordError) Is(target error) bool {
	t, ok := target.(*RecordError)
	return ok && t.Kind == e.Kind
}

var (
	ErrNoVertexBufferBound   = &RecordError{Kind: RECORD_ERROR_NO_VERTEX_BUFFER_BOUND}
	ErrNoIndexBufferBound    = &RecordError{Kind: RECORD_ERROR_NO_INDEX_BUFFER_BOUND}
	ErrBufferStillReferenced = &RecordError{Kind: RECORD_ERROR_BUFFER_STILL_REFERENCED}
	ErrIncompatibleBuffer    = &RecordError{Kind: RECORD_ERROR_INCOMPATIBLE_BUFFER}
	ErrNotRecording          = &RecordError{Kind: RECORD_ERROR_NOT_RECORDING}
)

func recordError(kind RecordErrorKind, format string, args ...interface{}) error {
	err := &RecordError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
	core.LogError(err.Error())
	return err
}

// DeviceQueryError means the capability query failed while the device was
// being constructed. The device is not usable.
type DeviceQueryError struct {
	Device string
	Cause  error
}

func (e *DeviceQueryError) Error() string {
	return fmt.Sprintf("failed to query capabilities of device '%s': %v", e.Device, e.Cause)
}

func (e *DeviceQueryError) Unwrap() error {
	return e.Cause
}

var (
	// Returned by Native.AllocateMemory when the heap cannot hold the request.
	ErrNativeOutOfMemory = errors.New("native device is out of memory")

	ErrNotHostVisible   = errors.New("memory is not host visible")
	ErrOutOfRange       = errors.New("access is out of the buffer range")
	ErrInvalidLayout    = errors.New("invalid vertex layout")
	ErrInvalidIndexType = errors.New("unknown index type")
	ErrInvalidAlignment = errors.New("alignment must be a power of two")
	ErrDeviceReleased   = errors.New("device handle already released")
)
