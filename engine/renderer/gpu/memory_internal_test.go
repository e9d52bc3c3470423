package gpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignUp(t *testing.T) {
	cases := []struct {
		value, alignment, want uint64
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{100, 64, 128},
		{5, 1, 5},
	}
	for _, c := range cases {
		got, ok := alignUp(c.value, c.alignment)
		assert.True(t, ok)
		assert.Equal(t, c.want, got, "alignUp(%d, %d)", c.value, c.alignment)
	}

	_, ok := alignUp(uint64(math.MaxUint64-3), 16)
	assert.False(t, ok)
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []uint64{1, 2, 4, 256, 1 << 40} {
		assert.True(t, isPowerOfTwo(v), "%d", v)
	}
	for _, v := range []uint64{0, 3, 6, 255, 1<<40 + 1} {
		assert.False(t, isPowerOfTwo(v), "%d", v)
	}
}

func TestMemoryPropertyParsing(t *testing.T) {
	flags, err := ParseMemoryProperties([]string{"host_visible", "HOST_COHERENT"})
	assert.NoError(t, err)
	assert.Equal(t, MemoryPropertyHostVisible|MemoryPropertyHostCoherent, flags)
	assert.True(t, flags.HostCoherent())
	assert.False(t, flags.Contains(MemoryPropertyDeviceLocal))

	_, err = ParseMemoryProperties([]string{"shiny"})
	assert.Error(t, err)
}
