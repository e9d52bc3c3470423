package vulkan

import (
	"fmt"
	"runtime"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
)

type VulkanDevice struct {
	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	// Family of the single queue used for binds, draws and transfers.
	QueueIndex       uint32
	QueueFamilyCount uint32
	Queue            vk.Queue

	CommandPool vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Memory     vk.PhysicalDeviceMemoryProperties
}

func deviceKind(t vk.PhysicalDeviceType) gpu.DeviceKind {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return gpu.DeviceKindDiscrete
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return gpu.DeviceKindIntegrated
	case vk.PhysicalDeviceTypeVirtualGpu:
		return gpu.DeviceKindVirtual
	case vk.PhysicalDeviceTypeCpu:
		return gpu.DeviceKindCpu
	}
	return gpu.DeviceKindOther
}

// findQueueFamily prefers a graphics family, since vertex and index binds
// need one, and falls back to any family supporting transfers.
func findQueueFamily(device vk.PhysicalDevice) (index, count uint32, ok bool) {
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &count, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &count, queueFamilies)

	transfer := -1
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags := queueFamilies[i].QueueFlags
		if flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return uint32(i), count, true
		}
		if transfer < 0 && flags&vk.QueueFlags(vk.QueueTransferBit) != 0 {
			transfer = i
		}
	}
	if transfer >= 0 {
		return uint32(transfer), count, true
	}
	return 0, count, false
}

// SelectPhysicalDevice picks the best ranked device kind owning a usable
// queue family.
func SelectPhysicalDevice(context *VulkanContext) error {
	var physicalDeviceCount uint32 = 0
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, nil); res != vk.Success {
		return resultError("failed to enumerate physical devices", res)
	}
	if physicalDeviceCount == 0 {
		return fmt.Errorf("no devices which support Vulkan were found")
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return resultError("failed to enumerate physical devices", res)
	}

	bestScore := -1
	for _, physicalDevice := range physicalDevices {
		properties := vk.PhysicalDeviceProperties{}
		vk.GetPhysicalDeviceProperties(physicalDevice, &properties)
		properties.Deref()

		name := VulkanString(properties.DeviceName[:])
		kind := deviceKind(properties.DeviceType)
		queueIndex, familyCount, ok := findQueueFamily(physicalDevice)
		if !ok {
			core.LogInfo("Device '%s' has no graphics or transfer queue, skipping.", name)
			continue
		}
		core.LogDebug("Candidate device '%s' (%s), queue family %d", name, kind, queueIndex)
		if kind.Score() <= bestScore {
			continue
		}

		bestScore = kind.Score()
		memory := vk.PhysicalDeviceMemoryProperties{}
		vk.GetPhysicalDeviceMemoryProperties(physicalDevice, &memory)
		memory.Deref()

		context.Device.PhysicalDevice = physicalDevice
		context.Device.QueueIndex = queueIndex
		context.Device.QueueFamilyCount = familyCount
		context.Device.Properties = properties
		context.Device.Memory = memory
	}

	if bestScore < 0 {
		return fmt.Errorf("no physical devices were found which meet the requirements")
	}

	properties := context.Device.Properties
	core.LogInfo("Selected device: '%s'.", VulkanString(properties.DeviceName[:]))
	core.LogInfo(
		"GPU Driver version: %d.%d.%d",
		vk.Version.Major(vk.Version(properties.DriverVersion)),
		vk.Version.Minor(vk.Version(properties.DriverVersion)),
		vk.Version.Patch(vk.Version(properties.DriverVersion)),
	)
	core.LogInfo(
		"Vulkan API version: %d.%d.%d",
		vk.Version.Major(vk.Version(properties.ApiVersion)),
		vk.Version.Minor(vk.Version(properties.ApiVersion)),
		vk.Version.Patch(vk.Version(properties.ApiVersion)),
	)
	return nil
}

func DeviceCreate(context *VulkanContext) error {
	if err := SelectPhysicalDevice(context); err != nil {
		core.LogError(err.Error())
		return err
	}

	core.LogInfo("Creating logical device...")
	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: context.Device.QueueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	extensionNames := []string{}
	if portabilitySubsetRequired(context.Device.PhysicalDevice) {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensionNames = append(extensionNames, "VK_KHR_portability_subset")
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}

	var logicalDevice vk.Device
	if res := vk.CreateDevice(context.Device.PhysicalDevice, &deviceCreateInfo, context.Allocator, &logicalDevice); res != vk.Success {
		err := resultError("failed to create logical device", res)
		core.LogError(err.Error())
		return err
	}
	context.Device.LogicalDevice = logicalDevice
	core.LogInfo("Logical device created.")

	var queue vk.Queue
	vk.GetDeviceQueue(context.Device.LogicalDevice, context.Device.QueueIndex, 0, &queue)
	context.Device.Queue = queue
	core.LogInfo("Queue obtained.")

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: context.Device.QueueIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit | vk.CommandPoolCreateTransientBit),
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &pool); res != vk.Success {
		err := resultError("failed to create command pool", res)
		core.LogError(err.Error())
		return err
	}
	context.Device.CommandPool = pool
	core.LogInfo("Command pool created.")
	return nil
}

func portabilitySubsetRequired(device vk.PhysicalDevice) bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	var availableExtensionCount uint32 = 0
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &availableExtensionCount, nil); res != vk.Success || availableExtensionCount == 0 {
		return false
	}
	availableExtensions := make([]vk.ExtensionProperties, availableExtensionCount)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &availableExtensionCount, availableExtensions); res != vk.Success {
		return false
	}
	for i := range availableExtensions {
		availableExtensions[i].Deref()
		if VulkanString(availableExtensions[i].ExtensionName[:]) == "VK_KHR_portability_subset" {
			return true
		}
	}
	return false
}

func DeviceDestroy(context *VulkanContext) {
	if context.Device.LogicalDevice == nil {
		return
	}
	context.Device.Queue = nil

	core.LogInfo("Destroying command pool...")
	vk.DestroyCommandPool(context.Device.LogicalDevice, context.Device.CommandPool, context.Allocator)

	core.LogInfo("Destroying logical device...")
	vk.DestroyDevice(context.Device.LogicalDevice, context.Allocator)
	context.Device.LogicalDevice = nil

	// Physical devices are not destroyed.
	context.Device.PhysicalDevice = nil
}

// capabilities converts the properties cached by SelectPhysicalDevice.
func (d *VulkanDevice) capabilities() gpu.CapabilitiesInfo {
	properties := d.Properties
	properties.Limits.Deref()
	properties.SparseProperties.Deref()
	limits := properties.Limits
	sparse := properties.SparseProperties

	info := gpu.CapabilitiesInfo{
		Name:          VulkanString(properties.DeviceName[:]),
		Kind:          deviceKind(properties.DeviceType),
		VendorID:      properties.VendorID,
		DeviceID:      properties.DeviceID,
		APIVersion:    properties.ApiVersion,
		DriverVersion: properties.DriverVersion,
		Limits: gpu.Limits{
			MaxMemoryAllocationCount:        limits.MaxMemoryAllocationCount,
			BufferImageGranularity:          uint64(limits.BufferImageGranularity),
			NonCoherentAtomSize:             uint64(limits.NonCoherentAtomSize),
			MinMemoryMapAlignment:           uint64(limits.MinMemoryMapAlignment),
			MinUniformBufferOffsetAlignment: uint64(limits.MinUniformBufferOffsetAlignment),
			MinStorageBufferOffsetAlignment: uint64(limits.MinStorageBufferOffsetAlignment),
			MaxVertexInputAttributes:        limits.MaxVertexInputAttributes,
			MaxVertexInputBindingStride:     limits.MaxVertexInputBindingStride,
			MaxDrawIndexedIndexValue:        limits.MaxDrawIndexedIndexValue,
		},
		SparseProperties: gpu.SparseProperties{
			ResidencyStandard2DBlockShape:            sparse.ResidencyStandard2DBlockShape == vk.True,
			ResidencyStandard2DMultisampleBlockShape: sparse.ResidencyStandard2DMultisampleBlockShape == vk.True,
			ResidencyStandard3DBlockShape:            sparse.ResidencyStandard3DBlockShape == vk.True,
			ResidencyAlignedMipSize:                  sparse.ResidencyAlignedMipSize == vk.True,
			ResidencyNonResidentStrict:               sparse.ResidencyNonResidentStrict == vk.True,
		},
	}

	memory := d.Memory
	for i := 0; i < int(memory.MemoryHeapCount); i++ {
		memory.MemoryHeaps[i].Deref()
		heap := memory.MemoryHeaps[i]
		deviceLocal := vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0
		info.MemoryHeaps = append(info.MemoryHeaps, gpu.MemoryHeap{Size: uint64(heap.Size), DeviceLocal: deviceLocal})
		if deviceLocal {
			core.LogInfo("Local GPU memory: %d MiB", uint64(heap.Size)>>20)
		} else {
			core.LogInfo("Shared System memory: %d MiB", uint64(heap.Size)>>20)
		}
	}
	for i := 0; i < int(memory.MemoryTypeCount); i++ {
		memory.MemoryTypes[i].Deref()
		mt := memory.MemoryTypes[i]
		info.MemoryTypes = append(info.MemoryTypes, gpu.MemoryType{
			// the core uses the Vulkan bit values
			PropertyFlags: gpu.MemoryPropertyFlags(mt.PropertyFlags),
			HeapIndex:     mt.HeapIndex,
		})
	}
	return info
}
