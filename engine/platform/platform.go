package platform

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/spaghettifunk/vkmem/engine/core"
)

func init() {
	// GLFW must be initialized and terminated on the main OS thread
	runtime.LockOSThread()
}

// Platform owns the GLFW library. The engine never opens a window, GLFW is
// only used to locate the Vulkan loader.
type Platform struct {
	started bool
}

func New() *Platform {
	return &Platform{}
}

func (p *Platform) Startup() error {
	if p.started {
		return nil
	}
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return err
	}
	p.started = true
	if !glfw.VulkanSupported() {
		p.Shutdown()
		return fmt.Errorf("glfw could not find a Vulkan loader")
	}
	return nil
}

// VulkanProcAddr returns the vkGetInstanceProcAddr GLFW resolved.
func (p *Platform) VulkanProcAddr() (unsafe.Pointer, error) {
	if !p.started {
		return nil, fmt.Errorf("platform is not started")
	}
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, fmt.Errorf("GetInstanceProcAddress is nil")
	}
	return procAddr, nil
}

func (p *Platform) Shutdown() {
	if p.started {
		glfw.Terminate()
		p.started = false
	}
}
