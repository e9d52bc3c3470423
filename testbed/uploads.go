package testbed

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkmem/engine"
	"github.com/spaghettifunk/vkmem/engine/core"
	"github.com/spaghettifunk/vkmem/engine/renderer/gpu"
	"github.com/spaghettifunk/vkmem/engine/systems"
)

const (
	UPLOAD_JOBS    = 16
	UPLOAD_WORKERS = 4
	UPLOAD_SIZE    = 256

	// four staging buffers per block
	UPLOAD_STAGING_BLOCK = 1024
)

// StagingUploads fills storage buffers from a pool of workers. Each worker
// writes a staging buffer and submits a copy into its target; every call
// into the device goes through the same lock group. Targets come from the
// engine pool, staging buffers from a meta pool growing on demand.
type StagingUploads struct {
	*engine.Workload
}

type upload struct {
	staging *gpu.Buffer
	target  *gpu.Buffer
	pattern []byte
}

type uploadsState struct {
	device  *gpu.Device
	pool    *gpu.MemoryPool
	staging *gpu.MetaPool
	locks   *gpu.LockPool
	jobs    *systems.JobSystem

	uploads []*upload
	failed  []error
}

func NewStagingUploads(cfg *engine.ApplicationConfig) *StagingUploads {
	s := &StagingUploads{
		Workload: &engine.Workload{
			ApplicationConfig: cfg,
			State:             &uploadsState{locks: gpu.NewLockPool()},
		},
	}
	s.FnInitialize = s.Initialize
	s.FnShutdown = s.Shutdown
	s.Steps = []engine.Step{
		{Name: "upload in parallel", Fn: s.upload},
		{Name: "wait", Fn: s.wait},
		{Name: "verify", Fn: s.verify},
		{Name: "release buffers", Fn: s.release},
	}
	return s
}

func (s *StagingUploads) state() *uploadsState {
	return s.State.(*uploadsState)
}

func (s *StagingUploads) Initialize(device *gpu.Device, pool *gpu.MemoryPool) error {
	st := s.state()
	if !pool.Properties().HostVisible() {
		return fmt.Errorf("staging uploads need a host visible pool, got %s: %w", pool.Properties(), gpu.ErrNotHostVisible)
	}
	staging, err := device.NewMetaPool(UPLOAD_STAGING_BLOCK,
		gpu.WithPoolName("staging"),
		gpu.WithMemoryProperties(gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCoherent),
	)
	if err != nil {
		return err
	}
	jobs, err := systems.NewJobSystem(UPLOAD_WORKERS, UPLOAD_JOBS)
	if err != nil {
		return errors.Join(err, staging.Destroy())
	}
	st.device, st.pool, st.staging, st.jobs = device, pool, staging, jobs
	st.uploads = make([]*upload, UPLOAD_JOBS)
	return nil
}

func (s *StagingUploads) upload() error {
	st := s.state()
	failures := make([]error, UPLOAD_JOBS)
	for i := 0; i < UPLOAD_JOBS; i++ {
		i := i
		err := st.jobs.Submit(systems.JobTask{
			InputParams: i,
			OnStart: func(params interface{}) (interface{}, error) {
				index := params.(int)
				var u *upload
				err := st.locks.SafeCall(gpu.DeviceManagement, func() error {
					var err error
					u, err = s.uploadOne(index)
					return err
				})
				return u, err
			},
			OnComplete: func(result interface{}) {
				st.uploads[i] = result.(*upload)
			},
			OnFailure: func(err error) {
				failures[i] = err
			},
		})
		if err != nil {
			return err
		}
	}
	st.jobs.Wait()
	return errors.Join(failures...)
}

// uploadOne runs with the device lock held.
func (s *StagingUploads) uploadOne(index int) (*upload, error) {
	st := s.state()
	u := &upload{pattern: UploadPattern(index, UPLOAD_SIZE)}

	target, err := gpu.NewBuffer(st.pool, UPLOAD_SIZE, gpu.BufferUsageStorage|gpu.BufferUsageTransferDst)
	if err != nil {
		return nil, err
	}
	staging, err := st.staging.NewStagingBufferFor(target)
	if err != nil {
		return nil, errors.Join(err, target.Release())
	}
	u.target, u.staging = target, staging
	cleanup := func(err error) (*upload, error) {
		return nil, errors.Join(err, staging.Release(), target.Release())
	}

	if err := staging.Write(0, u.pattern); err != nil {
		return cleanup(err)
	}
	recorder, err := st.device.NewCommandRecorder()
	if err != nil {
		return cleanup(err)
	}
	if err := recorder.CopyBuffer(staging, target, 0); err != nil {
		return cleanup(errors.Join(err, recorder.Discard()))
	}
	recording, err := recorder.Finalize()
	if err != nil {
		return cleanup(err)
	}
	if err := st.device.Submit(recording); err != nil {
		return cleanup(errors.Join(err, recording.Discard()))
	}
	return u, nil
}

func (s *StagingUploads) wait() error {
	st := s.state()
	return st.locks.SafeCall(gpu.DeviceManagement, st.device.WaitIdle)
}

func (s *StagingUploads) verify() error {
	st := s.state()
	for i, u := range st.uploads {
		if u == nil {
			return fmt.Errorf("upload %d never completed", i)
		}
		data, err := u.target.Read(0, UPLOAD_SIZE)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, u.pattern) {
			return fmt.Errorf("upload %d: target does not hold the staged bytes", i)
		}
	}
	core.LogInfo("%d uploads of %d bytes verified", len(st.uploads), UPLOAD_SIZE)
	return nil
}

func (s *StagingUploads) release() error {
	st := s.state()
	var errs []error
	for i, u := range st.uploads {
		if u == nil {
			continue
		}
		errs = append(errs, u.staging.Release(), u.target.Release())
		st.uploads[i] = nil
	}
	if st.staging != nil && !st.staging.Released() {
		core.LogDebug("staging uploads used %d blocks", st.staging.Stats().Pools)
		errs = append(errs, st.staging.Trim())
	}
	return errors.Join(errs...)
}

func (s *StagingUploads) Shutdown() error {
	st := s.state()
	var errs []error
	if st.jobs != nil {
		errs = append(errs, st.jobs.Shutdown())
	}
	if st.device != nil && !st.device.Released() {
		errs = append(errs, st.device.WaitIdle())
	}
	errs = append(errs, s.release())
	if st.staging != nil && !st.staging.Released() {
		errs = append(errs, st.staging.Destroy())
	}
	return errors.Join(errs...)
}

// UploadPattern starts with index so the bytes of every upload differ.
func UploadPattern(index, size int) []byte {
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(index + i*7)
	}
	return pattern
}
