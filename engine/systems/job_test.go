package systems

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemValidatesArguments(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobSystemRunsCallbacks(t *testing.T) {
	js, err := NewJobSystem(4, 2)
	require.NoError(t, err)

	var sum, failures, finished atomic.Int64
	boom := errors.New("boom")
	for i := 0; i < 50; i++ {
		require.NoError(t, js.Submit(JobTask{
			InputParams: i,
			OnStart: func(params interface{}) (interface{}, error) {
				n := params.(int)
				if n%10 == 0 {
					return nil, boom
				}
				return n, nil
			},
			OnComplete: func(result interface{}) { sum.Add(int64(result.(int))) },
			OnFailure: func(err error) {
				assert.ErrorIs(t, err, boom)
				failures.Add(1)
			},
			OnCompletionCallback: func() { finished.Add(1) },
		}))
	}
	js.Wait()

	// 0..49 without 0, 10, 20, 30 and 40
	assert.Equal(t, int64(1225-100), sum.Load())
	assert.Equal(t, int64(5), failures.Load())
	assert.Equal(t, int64(50), finished.Load())

	require.NoError(t, js.Shutdown())
	assert.NoError(t, js.Shutdown())
	assert.ErrorIs(t, js.Submit(JobTask{}), ErrJobSystemClosed)
}
