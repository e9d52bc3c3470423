package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
)

type vulkanMemory struct {
	Handle    vk.DeviceMemory
	TypeIndex uint32
	Size      uint64
	Mapped    bool
}

type vulkanBuffer struct {
	Handle vk.Buffer
	Size   uint64
}

type vulkanSubmission struct {
	CommandBuffer *VulkanCommandBuffer
	Fence         *VulkanFence
}

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice

	// Native objects handed to the core, keyed by the handle it sees.
	nextHandle  gpu.Handle
	memory      map[gpu.Handle]*vulkanMemory
	buffers     map[gpu.Handle]*vulkanBuffer
	submissions map[gpu.Handle]*vulkanSubmission
}

func newVulkanContext() *VulkanContext {
	return &VulkanContext{
		Allocator:   nil,
		nextHandle:  1,
		memory:      make(map[gpu.Handle]*vulkanMemory),
		buffers:     make(map[gpu.Handle]*vulkanBuffer),
		submissions: make(map[gpu.Handle]*vulkanSubmission),
	}
}

func (vc *VulkanContext) handle() gpu.Handle {
	h := vc.nextHandle
	vc.nextHandle++
	return h
}
