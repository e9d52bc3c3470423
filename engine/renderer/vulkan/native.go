package vulkan

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/engine/platform"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
)

type Options struct {
	ApplicationName string
	// Enables VK_LAYER_KHRONOS_validation and the debug report callback.
	Validation bool
	// Resolve vkGetInstanceProcAddr through GLFW instead of the system loader.
	UseGLFWLoader bool
	// Zero waits forever.
	FenceTimeout time.Duration
}

// Native drives a real Vulkan device. Every submission gets its own one
// time command buffer and fence.
type Native struct {
	context  *VulkanContext
	options  Options
	locks    *gpu.LockPool
	platform *platform.Platform
	lost     bool
}

// New loads Vulkan, creates an instance and a logical device on the best
// physical device available.
func New(options Options) (*Native, error) {
	if options.ApplicationName == "" {
		options.ApplicationName = "vkmem"
	}
	n := &Native{
		context: newVulkanContext(),
		options: options,
		locks:   gpu.NewLockPool(),
	}
	n.context.Device = &VulkanDevice{}

	if err := n.loadVulkan(); err != nil {
		n.Destroy()
		return nil, err
	}
	if err := n.createInstance(); err != nil {
		n.Destroy()
		return nil, err
	}
	if err := DeviceCreate(n.context); err != nil {
		n.Destroy()
		return nil, err
	}
	n.locks.SetQueueFamily(n.context.Device.QueueIndex)
	core.LogInfo("Vulkan device initialized successfully.")
	return n, nil
}

func (n *Native) loadVulkan() error {
	if n.options.UseGLFWLoader {
		n.platform = platform.New()
		if err := n.platform.Startup(); err != nil {
			return err
		}
		procAddr, err := n.platform.VulkanProcAddr()
		if err != nil {
			core.LogError(err.Error())
			return err
		}
		vk.SetGetInstanceProcAddr(procAddr)
	} else if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		core.LogError("failed to load the Vulkan library: %s", err)
		return err
	}

	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return err
	}
	return nil
}

func (n *Native) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(n.options.ApplicationName),
		PEngineName:        VulkanSafeString("vkmem"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	requiredValidationLayerNames := []string{}
	if n.options.Validation {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
		requiredValidationLayerNames = append(requiredValidationLayerNames, "VK_LAYER_KHRONOS_validation")
		if err := checkValidationLayers(requiredValidationLayerNames); err != nil {
			core.LogError(err.Error())
			return err
		}
	}

	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)
	createInfo.EnabledLayerCount = uint32(len(requiredValidationLayerNames))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(requiredValidationLayerNames)

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, n.context.Allocator, &instance); res != vk.Success {
		err := fmt.Errorf("failed in creating the Vulkan Instance with error `%s`", VulkanResultString(res, true))
		core.LogError(err.Error())
		return err
	}
	n.context.Instance = instance
	if err := vk.InitInstance(instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if n.options.Validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogError("vk.CreateDebugReportCallback failed with %s", err)
			return err
		}
		n.context.debugMessenger = dbg
		core.LogDebug("Vulkan debugger created.")
	}
	return nil
}

func checkValidationLayers(required []string) error {
	var availableLayerCount uint32
	if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, nil); res != vk.Success {
		return resultError("failed to enumerate instance layers", res)
	}
	availableLayers := make([]vk.LayerProperties, availableLayerCount)
	if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, availableLayers); res != vk.Success {
		return resultError("failed to enumerate instance layers", res)
	}

	for _, name := range required {
		found := false
		for j := range availableLayers {
			availableLayers[j].Deref()
			if VulkanString(availableLayers[j].LayerName[:]) == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("required validation layer is missing: %s", name)
		}
	}
	core.LogInfo("All required validation layers are present.")
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

func (n *Native) device() vk.Device {
	return n.context.Device.LogicalDevice
}

func (n *Native) check() error {
	if n.lost {
		return ErrDeviceLost
	}
	if n.device() == nil {
		return fmt.Errorf("vulkan device destroyed: %w", ErrDeviceLost)
	}
	return nil
}

// track remembers a lost device so later calls fail fast.
func (n *Native) track(err error) error {
	if err != nil && errors.Is(err, ErrDeviceLost) {
		n.lost = true
	}
	return err
}

func (n *Native) QueryCapabilities() (*gpu.DeviceCapabilities, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return gpu.NewDeviceCapabilities(n.context.Device.capabilities()), nil
}

func (n *Native) AllocateMemory(typeIndex uint32, size uint64) (gpu.Handle, error) {
	if err := n.check(); err != nil {
		return gpu.NullHandle, err
	}
	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: typeIndex,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(n.device(), &allocateInfo, n.context.Allocator, &memory); res != vk.Success {
		return gpu.NullHandle, n.track(resultError(fmt.Sprintf("failed to allocate %d bytes on memory type %d", size, typeIndex), res))
	}

	h := n.context.handle()
	n.context.memory[h] = &vulkanMemory{Handle: memory, TypeIndex: typeIndex, Size: size}
	return h, nil
}

func (n *Native) FreeMemory(memory gpu.Handle) {
	m, ok := n.context.memory[memory]
	if !ok {
		core.LogWarn("vulkan: free of unknown memory %d", memory)
		return
	}
	vk.FreeMemory(n.device(), m.Handle, n.context.Allocator)
	delete(n.context.memory, memory)
}

func (n *Native) MapMemory(memory gpu.Handle, offset, size uint64) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	m, ok := n.context.memory[memory]
	if !ok {
		return nil, fmt.Errorf("unknown memory %d", memory)
	}
	if m.Mapped {
		return nil, fmt.Errorf("memory %d is already mapped", memory)
	}
	var data unsafe.Pointer
	if res := vk.MapMemory(n.device(), m.Handle, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &data); res != vk.Success {
		return nil, n.track(resultError("failed to map memory", res))
	}
	m.Mapped = true
	return unsafe.Slice((*byte)(data), size), nil
}

func (n *Native) UnmapMemory(memory gpu.Handle) {
	if m, ok := n.context.memory[memory]; ok && m.Mapped {
		vk.UnmapMemory(n.device(), m.Handle)
		m.Mapped = false
	}
}

func (n *Native) mappedRange(memory gpu.Handle, offset, size uint64) ([]vk.MappedMemoryRange, error) {
	m, ok := n.context.memory[memory]
	if !ok {
		return nil, fmt.Errorf("unknown memory %d", memory)
	}
	return []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: m.Handle,
		Offset: vk.DeviceSize(offset),
		Size:   vk.DeviceSize(size),
	}}, nil
}

func (n *Native) FlushMemory(memory gpu.Handle, offset, size uint64) error {
	ranges, err := n.mappedRange(memory, offset, size)
	if err != nil {
		return err
	}
	return n.track(resultError("failed to flush mapped memory", vk.FlushMappedMemoryRanges(n.device(), 1, ranges)))
}

func (n *Native) InvalidateMemory(memory gpu.Handle, offset, size uint64) error {
	ranges, err := n.mappedRange(memory, offset, size)
	if err != nil {
		return err
	}
	return n.track(resultError("failed to invalidate mapped memory", vk.InvalidateMappedMemoryRanges(n.device(), 1, ranges)))
}

func (n *Native) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Handle, gpu.MemoryRequirements, error) {
	if err := n.check(); err != nil {
		return gpu.NullHandle, gpu.MemoryRequirements{}, err
	}
	bufferInfo := vk.BufferCreateInfo{
		SType: vk.StructureTypeBufferCreateInfo,
		Size:  vk.DeviceSize(info.Size),
		// the core uses the Vulkan bit values
		Usage:       vk.BufferUsageFlags(info.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	if info.Sharing.IsConcurrent() {
		families := info.Sharing.QueueFamilies()
		for _, family := range families {
			if family >= n.context.Device.QueueFamilyCount {
				return gpu.NullHandle, gpu.MemoryRequirements{}, fmt.Errorf("queue family %d of %d does not exist", family, n.context.Device.QueueFamilyCount)
			}
		}
		bufferInfo.SharingMode = vk.SharingModeConcurrent
		bufferInfo.QueueFamilyIndexCount = uint32(len(families))
		bufferInfo.PQueueFamilyIndices = families
	}

	var buffer vk.Buffer
	if res := vk.CreateBuffer(n.device(), &bufferInfo, n.context.Allocator, &buffer); res != vk.Success {
		return gpu.NullHandle, gpu.MemoryRequirements{}, n.track(resultError("failed to create buffer", res))
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(n.device(), buffer, &reqs)
	reqs.Deref()

	h := n.context.handle()
	n.context.buffers[h] = &vulkanBuffer{Handle: buffer, Size: info.Size}
	return h, gpu.MemoryRequirements{
		Size:           uint64(reqs.Size),
		Alignment:      uint64(reqs.Alignment),
		MemoryTypeBits: reqs.MemoryTypeBits,
	}, nil
}

func (n *Native) BindBufferMemory(buffer, memory gpu.Handle, offset uint64) error {
	if err := n.check(); err != nil {
		return err
	}
	b, ok := n.context.buffers[buffer]
	if !ok {
		return fmt.Errorf("unknown buffer %d", buffer)
	}
	m, ok := n.context.memory[memory]
	if !ok {
		return fmt.Errorf("unknown memory %d", memory)
	}
	return n.track(resultError("failed to bind buffer memory", vk.BindBufferMemory(n.device(), b.Handle, m.Handle, vk.DeviceSize(offset))))
}

func (n *Native) DestroyBuffer(buffer gpu.Handle) {
	b, ok := n.context.buffers[buffer]
	if !ok {
		core.LogWarn("vulkan: destroy of unknown buffer %d", buffer)
		return
	}
	vk.DestroyBuffer(n.device(), b.Handle, n.context.Allocator)
	delete(n.context.buffers, buffer)
}

func (n *Native) Submit(commands []gpu.Command) (gpu.Handle, error) {
	if err := n.check(); err != nil {
		return gpu.NullHandle, err
	}
	pool := n.context.Device.CommandPool
	cb, err := NewVulkanCommandBuffer(n.context, pool)
	if err != nil {
		return gpu.NullHandle, n.track(err)
	}
	release := func() { cb.Free(n.context, pool) }

	if err := cb.Begin(true); err != nil {
		release()
		return gpu.NullHandle, err
	}
	if err := cb.Record(n.context, commands); err != nil {
		release()
		return gpu.NullHandle, err
	}
	if err := cb.End(); err != nil {
		release()
		return gpu.NullHandle, err
	}

	fence, err := NewFence(n.context, false)
	if err != nil {
		release()
		return gpu.NullHandle, n.track(err)
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cb.Handle},
	}
	queue := n.context.Device.Queue
	err = n.locks.SafeQueueCall(n.context.Device.QueueIndex, func() error {
		return resultError("failed to submit to queue", vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle))
	})
	if err != nil {
		fence.FenceDestroy(n.context)
		release()
		return gpu.NullHandle, n.track(err)
	}
	cb.UpdateSubmitted()

	h := n.context.handle()
	n.context.submissions[h] = &vulkanSubmission{CommandBuffer: cb, Fence: fence}
	return h, nil
}

func (n *Native) Wait(submission gpu.Handle) error {
	s, ok := n.context.submissions[submission]
	if !ok {
		return fmt.Errorf("unknown submission %d", submission)
	}
	delete(n.context.submissions, submission)

	timeout := uint64(math.MaxUint64)
	if n.options.FenceTimeout > 0 {
		timeout = uint64(n.options.FenceTimeout.Nanoseconds())
	}
	err := n.track(s.Fence.FenceWait(n.context, timeout))
	if err != nil && !n.lost {
		// the command buffer may still be pending
		vk.DeviceWaitIdle(n.device())
	}
	s.Fence.FenceDestroy(n.context)
	s.CommandBuffer.Free(n.context, n.context.Device.CommandPool)
	return err
}

func (n *Native) Destroy() {
	if n.context.Device != nil && n.device() != nil {
		vk.DeviceWaitIdle(n.device())
		for h, s := range n.context.submissions {
			s.Fence.FenceDestroy(n.context)
			s.CommandBuffer.Free(n.context, n.context.Device.CommandPool)
			delete(n.context.submissions, h)
		}
		if len(n.context.buffers) > 0 || len(n.context.memory) > 0 {
			core.LogWarn("vulkan: destroyed with %d buffers and %d memory objects alive", len(n.context.buffers), len(n.context.memory))
		}
		DeviceDestroy(n.context)
	}

	if n.context.debugMessenger != vk.NullDebugReportCallback {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(n.context.Instance, n.context.debugMessenger, nil)
		n.context.debugMessenger = vk.NullDebugReportCallback
	}
	if n.context.Instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(n.context.Instance, n.context.Allocator)
		n.context.Instance = nil
	}
	if n.platform != nil {
		n.platform.Shutdown()
	}
}

// FromConfig opens the device described by the [device] section.
func FromConfig(cfg core.DeviceConfig) (*Native, error) {
	return New(Options{
		ApplicationName: cfg.Name,
		Validation:      cfg.Validation,
		UseGLFWLoader:   cfg.UseGLFWLoader,
	})
}
