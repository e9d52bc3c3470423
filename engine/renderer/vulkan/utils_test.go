package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError("noop", vk.Success))

	err := resultError("allocate", vk.ErrorOutOfDeviceMemory)
	require.Error(t, err)
	assert.ErrorIs(t, err, gpu.ErrNativeOutOfMemory)
	assert.Contains(t, err.Error(), "VK_ERROR_OUT_OF_DEVICE_MEMORY")

	assert.ErrorIs(t, resultError("allocate", vk.ErrorTooManyObjects), gpu.ErrNativeOutOfMemory)
	assert.ErrorIs(t, resultError("wait", vk.ErrorDeviceLost), ErrDeviceLost)

	err = resultError("map", vk.ErrorMemoryMapFailed)
	assert.NotErrorIs(t, err, gpu.ErrNativeOutOfMemory)
	assert.NotErrorIs(t, err, ErrDeviceLost)
	assert.Contains(t, err.Error(), "Mapping of a memory object has failed")
}

func TestVulkanStrings(t *testing.T) {
	assert.Equal(t, "\x00", VulkanSafeString(""))
	assert.Equal(t, "vkmem\x00", VulkanSafeString("vkmem"))
	assert.Equal(t, "vkmem\x00", VulkanSafeString("vkmem\x00"))
	assert.Equal(t, []string{"a\x00", "b\x00"}, VulkanSafeStrings([]string{"a", "b\x00"}))

	name := make([]byte, 16)
	copy(name, "llvmpipe")
	assert.Equal(t, "llvmpipe", VulkanString(name))
	assert.Equal(t, "full", VulkanString([]byte("full")))
}

func TestDeviceKind(t *testing.T) {
	assert.Equal(t, gpu.DeviceKindDiscrete, deviceKind(vk.PhysicalDeviceTypeDiscreteGpu))
	assert.Equal(t, gpu.DeviceKindIntegrated, deviceKind(vk.PhysicalDeviceTypeIntegratedGpu))
	assert.Equal(t, gpu.DeviceKindVirtual, deviceKind(vk.PhysicalDeviceTypeVirtualGpu))
	assert.Equal(t, gpu.DeviceKindCpu, deviceKind(vk.PhysicalDeviceTypeCpu))
	assert.Equal(t, gpu.DeviceKindOther, deviceKind(vk.PhysicalDeviceTypeOther))
}

func TestIndexType(t *testing.T) {
	assert.Equal(t, vk.IndexTypeUint16, indexType(gpu.IndexTypeUInt16))
	assert.Equal(t, vk.IndexTypeUint32, indexType(gpu.IndexTypeUInt32))
}

func TestContextHandles(t *testing.T) {
	c := newVulkanContext()
	first := c.handle()
	assert.NotEqual(t, gpu.NullHandle, first)
	assert.Equal(t, first+1, c.handle())
}
