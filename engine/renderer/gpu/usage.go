package gpu

import (
	"fmt"
	"strings"
)

// BufferKind tags the variant data carried by a Buffer.
type BufferKind int

const (
	BufferKindGeneric BufferKind = iota
	BufferKindVertex
	BufferKindIndex
	BufferKindStaging
)

func (k BufferKind) String() string {
	switch k {
	case BufferKindVertex:
		return "vertex"
	case BufferKindIndex:
		return "index"
	case BufferKindStaging:
		return "staging"
	}
	return "generic"
}

// BufferUsage uses the same bit values as VkBufferUsageFlagBits.
type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 0x001
	BufferUsageTransferDst BufferUsage = 0x002
	BufferUsageUniform     BufferUsage = 0x010
	BufferUsageStorage     BufferUsage = 0x020
	BufferUsageIndex       BufferUsage = 0x040
	BufferUsageVertex      BufferUsage = 0x080
)

func (u BufferUsage) Has(flags BufferUsage) bool {
	return u&flags == flags
}

func (u BufferUsage) String() string {
	if u == 0 {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		flag BufferUsage
		name string
	}{
		{BufferUsageTransferSrc, "transfer_src"},
		{BufferUsageTransferDst, "transfer_dst"},
		{BufferUsageUniform, "uniform"},
		{BufferUsageStorage, "storage"},
		{BufferUsageIndex, "index"},
		{BufferUsageVertex, "vertex"},
	} {
		if u.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

type IndexType int

const (
	IndexTypeUInt16 IndexType = iota
	IndexTypeUInt32
)

func (t IndexType) Valid() bool {
	return t == IndexTypeUInt16 || t == IndexTypeUInt32
}

// Width is the size of one index in bytes, 0 for unknown types.
func (t IndexType) Width() uint64 {
	switch t {
	case IndexTypeUInt16:
		return 2
	case IndexTypeUInt32:
		return 4
	}
	return 0
}

func (t IndexType) String() string {
	switch t {
	case IndexTypeUInt16:
		return "uint16"
	case IndexTypeUInt32:
		return "uint32"
	}
	return fmt.Sprintf("index type %d", int(t))
}
