//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the unit tests with the race detector.
func (Test) Unit() error {
	if _, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the tests of the vulkan backend, which need a Vulkan loader.
func (Test) Vulkan() error {
	if _, err := executeCmd("go", withArgs("test", "-count=1", "./engine/renderer/vulkan/..."), withStream()); err != nil {
		return err
	}
	return nil
}
