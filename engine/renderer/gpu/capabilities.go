package gpu

import (
	"fmt"
	"slices"
	"strings"
)

type DeviceKind int

const (
	DeviceKindOther DeviceKind = iota
	DeviceKindIntegrated
	DeviceKindDiscrete
	DeviceKindVirtual
	DeviceKindCpu
)

// Score ranks device kinds when more than one physical device is available.
func (k DeviceKind) Score() int {
	switch k {
	case DeviceKindDiscrete:
		return 4
	case DeviceKindIntegrated:
		return 3
	case DeviceKindVirtual:
		return 2
	case DeviceKindCpu:
		return 1
	}
	return 0
}

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindDiscrete:
		return "discrete"
	case DeviceKindIntegrated:
		return "integrated"
	case DeviceKindVirtual:
		return "virtual"
	case DeviceKindCpu:
		return "cpu"
	}
	return "other"
}

func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(s) {
	case "discrete":
		return DeviceKindDiscrete, nil
	case "integrated":
		return DeviceKindIntegrated, nil
	case "virtual":
		return DeviceKindVirtual, nil
	case "cpu":
		return DeviceKindCpu, nil
	case "other", "":
		return DeviceKindOther, nil
	}
	return DeviceKindOther, fmt.Errorf("unknown device kind '%s'", s)
}

// Limits is the subset of physical device limits consulted by the allocator.
// A zero value disables the corresponding check.
type Limits struct {
	MaxBufferSize                   uint64
	MaxMemoryAllocationCount        uint32
	BufferImageGranularity          uint64
	NonCoherentAtomSize             uint64
	MinMemoryMapAlignment           uint64
	MinUniformBufferOffsetAlignment uint64
	MinStorageBufferOffsetAlignment uint64
	MaxVertexInputAttributes        uint32
	MaxVertexInputBindingStride     uint32
	MaxDrawIndexedIndexValue        uint32
}

type SparseProperties struct {
	ResidencyStandard2DBlockShape            bool
	ResidencyStandard2DMultisampleBlockShape bool
	ResidencyStandard3DBlockShape            bool
	ResidencyAlignedMipSize                  bool
	ResidencyNonResidentStrict               bool
}

// Any reports whether some form of sparse residency is supported.
func (s SparseProperties) Any() bool {
	return s.ResidencyStandard2DBlockShape ||
		s.ResidencyStandard2DMultisampleBlockShape ||
		s.ResidencyStandard3DBlockShape ||
		s.ResidencyAlignedMipSize ||
		s.ResidencyNonResidentStrict
}

type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

// CapabilitiesInfo is filled in by a Native implementation when it answers
// QueryCapabilities.
type CapabilitiesInfo struct {
	Name             string
	Kind             DeviceKind
	VendorID         uint32
	DeviceID         uint32
	APIVersion       uint32
	DriverVersion    uint32
	Limits           Limits
	SparseProperties SparseProperties
	MemoryTypes      []MemoryType
	MemoryHeaps      []MemoryHeap
}

// DeviceCapabilities is the snapshot of a physical device taken when the
// Device is constructed. It is never modified afterwards.
type DeviceCapabilities struct {
	info CapabilitiesInfo
}

func NewDeviceCapabilities(info CapabilitiesInfo) *DeviceCapabilities {
	info.MemoryTypes = slices.Clone(info.MemoryTypes)
	info.MemoryHeaps = slices.Clone(info.MemoryHeaps)
	return &DeviceCapabilities{info: info}
}

func (c *DeviceCapabilities) Name() string                       { return c.info.Name }
func (c *DeviceCapabilities) Kind() DeviceKind                   { return c.info.Kind }
func (c *DeviceCapabilities) VendorID() uint32                   { return c.info.VendorID }
func (c *DeviceCapabilities) DeviceID() uint32                   { return c.info.DeviceID }
func (c *DeviceCapabilities) APIVersion() uint32                 { return c.info.APIVersion }
func (c *DeviceCapabilities) DriverVersion() uint32              { return c.info.DriverVersion }
func (c *DeviceCapabilities) Limits() Limits                     { return c.info.Limits }
func (c *DeviceCapabilities) SparseProperties() SparseProperties { return c.info.SparseProperties }
func (c *DeviceCapabilities) MemoryTypeCount() int               { return len(c.info.MemoryTypes) }

func (c *DeviceCapabilities) MemoryTypes() []MemoryType {
	return slices.Clone(c.info.MemoryTypes)
}

func (c *DeviceCapabilities) MemoryHeaps() []MemoryHeap {
	return slices.Clone(c.info.MemoryHeaps)
}

func (c *DeviceCapabilities) MemoryType(index uint32) (MemoryType, bool) {
	if int(index) >= len(c.info.MemoryTypes) {
		return MemoryType{}, false
	}
	return c.info.MemoryTypes[index], true
}

// FindMemoryTypes returns, in index order, every memory type allowed by
// typeBits whose property flags include properties.
func (c *DeviceCapabilities) FindMemoryTypes(typeBits uint32, properties MemoryPropertyFlags) []uint32 {
	var candidates []uint32
	for i, mt := range c.info.MemoryTypes {
		if i >= 32 {
			break
		}
		// Check each memory type to see if its bit is set to 1.
		if typeBits&(1<<uint32(i)) != 0 && mt.PropertyFlags.Contains(properties) {
			candidates = append(candidates, uint32(i))
		}
	}
	return candidates
}

func (c *DeviceCapabilities) String() string {
	return fmt.Sprintf("%s (%s, vendor 0x%04x, device 0x%04x, %d memory types, %d heaps)",
		c.info.Name, c.info.Kind, c.info.VendorID, c.info.DeviceID,
		len(c.info.MemoryTypes), len(c.info.MemoryHeaps))
}
