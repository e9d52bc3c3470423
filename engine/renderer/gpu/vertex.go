package gpu

import (
	"fmt"
	"math"
)

type VertexFormat int

const (
	VertexFormatFloat32 VertexFormat = iota
	VertexFormatFloat32x2
	VertexFormatFloat32x3
	VertexFormatFloat32x4
	VertexFormatInt32
	VertexFormatInt32x2
	VertexFormatInt32x3
	VertexFormatInt32x4
	VertexFormatUInt32
	VertexFormatUInt32x2
	VertexFormatUInt32x3
	VertexFormatUInt32x4
	VertexFormatFloat16x2
	VertexFormatFloat16x4
	VertexFormatUNorm8x4
	VertexFormatUInt8x4
)

// Size is the size of one attribute in bytes, 0 for unknown formats.
func (f VertexFormat) Size() uint32 {
	switch f {
	case VertexFormatFloat32, VertexFormatInt32, VertexFormatUInt32,
		VertexFormatFloat16x2, VertexFormatUNorm8x4, VertexFormatUInt8x4:
		return 4
	case VertexFormatFloat32x2, VertexFormatInt32x2, VertexFormatUInt32x2, VertexFormatFloat16x4:
		return 8
	case VertexFormatFloat32x3, VertexFormatInt32x3, VertexFormatUInt32x3:
		return 12
	case VertexFormatFloat32x4, VertexFormatInt32x4, VertexFormatUInt32x4:
		return 16
	}
	return 0
}

type VertexAttribute struct {
	Location uint32
	Offset   uint32
	Format   VertexFormat
}

// VertexLayout describes one interleaved vertex binding. The attribute
// order is the one the pipeline declares.
type VertexLayout struct {
	Attributes []VertexAttribute
	// Explicit stride. Zero means the tightest stride covering every attribute.
	Stride uint32
}

func NewVertexLayout(attributes ...VertexAttribute) VertexLayout {
	return VertexLayout{Attributes: attributes}
}

// WithStride returns a copy of the layout using an explicit stride.
func (l VertexLayout) WithStride(stride uint32) VertexLayout {
	l.Attributes = append([]VertexAttribute(nil), l.Attributes...)
	l.Stride = stride
	return l
}

// extent is the end of the furthest attribute. It can exceed the uint32
// range for layouts that Validate rejects.
func (l VertexLayout) extent() uint64 {
	var end uint64
	for _, a := range l.Attributes {
		end = max(end, uint64(a.Offset)+uint64(a.Format.Size()))
	}
	return end
}

// VertexStride is the byte distance between two consecutive vertices. It is
// only meaningful for layouts passing Validate.
func (l VertexLayout) VertexStride() uint32 {
	if l.Stride != 0 {
		return l.Stride
	}
	return uint32(min(l.extent(), math.MaxUint32))
}

// Validate checks the layout against the device vertex input limits.
func (l VertexLayout) Validate(limits Limits) error {
	if len(l.Attributes) == 0 {
		return fmt.Errorf("layout has no attributes: %w", ErrInvalidLayout)
	}
	seen := make(map[uint32]struct{}, len(l.Attributes))
	for i, a := range l.Attributes {
		if a.Format.Size() == 0 {
			return fmt.Errorf("attribute %d has unknown format %d: %w", i, a.Format, ErrInvalidLayout)
		}
		if uint64(a.Offset)+uint64(a.Format.Size()) > math.MaxUint32 {
			return fmt.Errorf("attribute %d at offset %d overflows the vertex: %w", i, a.Offset, ErrInvalidLayout)
		}
		if _, ok := seen[a.Location]; ok {
			return fmt.Errorf("location %d is declared twice: %w", a.Location, ErrInvalidLayout)
		}
		seen[a.Location] = struct{}{}
		if limits.MaxVertexInputAttributes > 0 && a.Location >= limits.MaxVertexInputAttributes {
			return fmt.Errorf("location %d exceeds the device maximum of %d attributes: %w",
				a.Location, limits.MaxVertexInputAttributes, ErrInvalidLayout)
		}
	}
	if limits.MaxVertexInputAttributes > 0 && uint32(len(l.Attributes)) > limits.MaxVertexInputAttributes {
		return fmt.Errorf("%d attributes exceed the device maximum of %d: %w",
			len(l.Attributes), limits.MaxVertexInputAttributes, ErrInvalidLayout)
	}
	if l.Stride != 0 && uint64(l.Stride) < l.extent() {
		return fmt.Errorf("stride %d is smaller than the attribute extent %d: %w", l.Stride, l.extent(), ErrInvalidLayout)
	}
	if limits.MaxVertexInputBindingStride > 0 && l.VertexStride() > limits.MaxVertexInputBindingStride {
		return fmt.Errorf("stride %d exceeds the device maximum of %d: %w",
			l.VertexStride(), limits.MaxVertexInputBindingStride, ErrInvalidLayout)
	}
	return nil
}
