package gpu

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// Handle is an opaque native object reference. NullHandle is never issued.
type Handle uint64

const NullHandle Handle = 0

// MemoryPropertyFlags use the same bit values as VkMemoryPropertyFlagBits.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal     MemoryPropertyFlags = 0x01
	MemoryPropertyHostVisible     MemoryPropertyFlags = 0x02
	MemoryPropertyHostCoherent    MemoryPropertyFlags = 0x04
	MemoryPropertyHostCached      MemoryPropertyFlags = 0x08
	MemoryPropertyLazilyAllocated MemoryPropertyFlags = 0x10
)

var memoryPropertyNames = []struct {
	flag MemoryPropertyFlags
	name string
}{
	{MemoryPropertyDeviceLocal, "device_local"},
	{MemoryPropertyHostVisible, "host_visible"},
	{MemoryPropertyHostCoherent, "host_coherent"},
	{MemoryPropertyHostCached, "host_cached"},
	{MemoryPropertyLazilyAllocated, "lazily_allocated"},
}

func (f MemoryPropertyFlags) Contains(other MemoryPropertyFlags) bool {
	return f&other == other
}

func (f MemoryPropertyFlags) HostVisible() bool {
	return f.Contains(MemoryPropertyHostVisible)
}

func (f MemoryPropertyFlags) HostCoherent() bool {
	return f.Contains(MemoryPropertyHostCoherent)
}

func (f MemoryPropertyFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, p := range memoryPropertyNames {
		if f.Contains(p.flag) {
			names = append(names, p.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseMemoryProperties converts configuration names such as
// "host_visible" into flags.
func ParseMemoryProperties(names []string) (MemoryPropertyFlags, error) {
	var flags MemoryPropertyFlags
outer:
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		for _, p := range memoryPropertyNames {
			if p.name == n {
				flags |= p.flag
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown memory property '%s'", n)
	}
	return flags, nil
}

type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

func isPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// alignUp rounds v up to the next multiple of alignment, which must be a
// power of two. The second result is false on overflow.
func alignUp[T constraints.Unsigned](v, alignment T) (T, bool) {
	if alignment <= 1 {
		return v, true
	}
	aligned := (v + alignment - 1) &^ (alignment - 1)
	return aligned, aligned >= v
}
