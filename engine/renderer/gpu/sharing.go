package gpu

import (
	"fmt"
	"slices"
)

// SharingMode decides whether a buffer may be used by more than one queue
// family without an ownership transfer. The zero value is exclusive.
type SharingMode struct {
	families []uint32
}

func Exclusive() SharingMode {
	return SharingMode{}
}

// Concurrent shares the buffer between the given queue families. Duplicate
// families are dropped. Fewer than two distinct families gives exclusive
// mode, since concurrent sharing with a single family has no meaning.
func Concurrent(queueFamilies ...uint32) SharingMode {
	families := slices.Clone(queueFamilies)
	slices.Sort(families)
	families = slices.Compact(families)
	if len(families) < 2 {
		return SharingMode{}
	}
	return SharingMode{families: families}
}

func (m SharingMode) IsConcurrent() bool {
	return len(m.families) > 0
}

func (m SharingMode) QueueFamilies() []uint32 {
	return slices.Clone(m.families)
}

func (m SharingMode) Equal(other SharingMode) bool {
	return slices.Equal(m.families, other.families)
}

func (m SharingMode) String() string {
	if !m.IsConcurrent() {
		return "exclusive"
	}
	return fmt.Sprintf("concurrent%v", m.families)
}
