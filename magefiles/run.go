//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the indexed draw scenario on the device configured in vkmem.toml.
func (Run) Scenario() error {
	mg.Deps(Build.Binary)
	fmt.Println("Run scenario...")
	if _, err := executeCmd("bin/vkmem", withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the scenario on the headless device regardless of vkmem.toml.
func (Run) Headless() error {
	mg.Deps(Build.Binary)
	if err := os.Setenv("VKMEM_CONFIG", "configs/headless.toml"); err != nil {
		return err
	}
	if _, err := executeCmd("bin/vkmem", withStream()); err != nil {
		return err
	}
	return nil
}
