/*
vkmem runs a workload against the configured device and reports the state
of the default memory pool. VKMEM_WORKLOAD selects indexed_draw (default)
or staging_uploads.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/vkmem/engine"
	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/testbed"
)

func main() {
	cfg := &engine.ApplicationConfig{
		ConfigPath: os.Getenv("VKMEM_CONFIG"),
		LogLevel:   os.Getenv("VKMEM_LOG_LEVEL"),
	}
	var workload *engine.Workload
	switch name := os.Getenv("VKMEM_WORKLOAD"); name {
	case "", "indexed_draw":
		workload = testbed.NewIndexedDraw(cfg).Workload
	case "staging_uploads":
		workload = testbed.NewStagingUploads(cfg).Workload
	default:
		core.LogFatal("unknown workload '%s'", name)
	}

	e, err := engine.New(workload)
	if err != nil {
		core.LogFatal("failed to load configuration: %s", err)
	}

	// cancel between steps on SIGINT/SIGTERM/SIGQUIT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	exitCode := 0
	if err := e.Initialize(); err != nil {
		core.LogError("initialization failed: %s", err)
		exitCode = 1
	} else if err := e.Run(ctx); err != nil {
		core.LogError("run failed: %s", err)
		exitCode = 1
	}

	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown failed: %s", err)
		exitCode = 1
	}
	if exitCode == 0 {
		core.LogInfo("done")
	}
	stop()
	os.Exit(exitCode)
}
