package gpu

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/vkmem/engine/core"
)

type submission struct {
	recording *Recording
	handle    Handle
	clock     *core.Clock
}

// Submit hands a finalized recording to the native queue. When the
// in-flight ring is full the oldest submission is waited on first.
func (d *Device) Submit(recording *Recording) error {
	if err := d.checkLive("submit"); err != nil {
		return err
	}
	if recording == nil || recording.State != RECORDING_STATE_READY {
		return recordError(RECORD_ERROR_NOT_RECORDING, "submit: recording is not ready")
	}
	if !recording.device.Same(d) {
		return recordError(RECORD_ERROR_INCOMPATIBLE_BUFFER, "submit: recording %s belongs to another device", recording.id)
	}

	s := d.state()
	if s.inFlight.IsFull() {
		oldest, _ := s.inFlight.Dequeue()
		core.LogDebug("device '%s': %d submissions in flight, waiting for %s", s.name, s.inFlight.Cap(), oldest.recording.id)
		if err := d.complete(oldest); err != nil {
			return err
		}
	}

	handle, err := s.native.Submit(recording.commands)
	if err != nil {
		err = fmt.Errorf("failed to submit recording %s: %w", recording.id, err)
		core.LogError(err.Error())
		return err
	}
	clock := core.NewClock()
	clock.Start()
	if err := s.inFlight.Enqueue(&submission{recording: recording, handle: handle, clock: clock}); err != nil {
		return err
	}
	recording.State = RECORDING_STATE_SUBMITTED
	return nil
}

// WaitIdle blocks until every in-flight submission has completed and
// releases the buffers those recordings kept alive.
func (d *Device) WaitIdle() error {
	if err := d.checkLive("wait idle"); err != nil {
		return err
	}
	s := d.state()
	var errs []error
	for !s.inFlight.IsEmpty() {
		sub, _ := s.inFlight.Dequeue()
		if err := d.complete(sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// complete waits on the native submission and releases the recording. The
// buffers are released even if the wait failed: a lost device executes
// nothing anymore.
func (d *Device) complete(sub *submission) error {
	s := d.state()
	rec := sub.recording

	waitErr := s.native.Wait(sub.handle)
	sub.clock.Stop()
	if waitErr != nil {
		waitErr = fmt.Errorf("failed waiting for recording %s: %w", rec.id, waitErr)
		core.LogError(waitErr.Error())
	} else {
		core.LogDebug("recording %s completed in %s", rec.id, sub.clock.Elapsed())
	}

	ctx := core.EventContext{}
	ctx.Data.U32[0] = uint32(len(rec.commands))
	ctx.Data.I64[0] = sub.clock.Elapsed().Nanoseconds()
	ctx.Data.C[0] = rec.id.String()
	d.fire(core.EVENT_CODE_SUBMISSION_COMPLETED, rec, ctx)

	rec.State = RECORDING_STATE_COMPLETED
	return errors.Join(waitErr, rec.release())
}
