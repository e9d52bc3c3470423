package containers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	value int
}

func TestRcDropsOnLastRelease(t *testing.T) {
	drops := 0
	a := NewRc(&counter{value: 1}, func(c *counter) error {
		drops++
		return nil
	})
	b := a.Clone()
	assert.Equal(t, 2, a.StrongCount())
	assert.True(t, a.Same(b))

	dropped, err := a.Release()
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Equal(t, 0, drops)
	assert.Equal(t, 1, b.StrongCount())
	assert.Equal(t, 1, b.Get().value)

	dropped, err = b.Release()
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Equal(t, 1, drops)
	assert.Equal(t, 0, b.StrongCount())
}

func TestRcDoubleRelease(t *testing.T) {
	r := NewRc(&counter{}, nil)
	_, err := r.Release()
	require.NoError(t, err)

	_, err = r.Release()
	assert.ErrorIs(t, err, ErrReleased)
	assert.Panics(t, func() { r.Get() })
	assert.Panics(t, func() { r.Clone() })
}

func TestRcDropError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRc(&counter{}, func(*counter) error { return boom })
	dropped, err := r.Release()
	assert.True(t, dropped)
	assert.ErrorIs(t, err, boom)
}

func TestRcBorrowIsExclusive(t *testing.T) {
	r := NewRc(&counter{}, nil)
	other := r.Clone()

	err := r.Borrow(func(c *counter) error {
		c.value++
		// re-entrant access through any handle is refused
		assert.ErrorIs(t, other.Borrow(func(*counter) error { return nil }), ErrAlreadyBorrowed)
		_, relErr := other.Release()
		assert.ErrorIs(t, relErr, ErrAlreadyBorrowed)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Get().value)

	// the guard is lifted once fn returns
	require.NoError(t, other.Borrow(func(c *counter) error {
		c.value++
		return nil
	}))
	assert.Equal(t, 2, r.Get().value)

	_, _ = other.Release()
	assert.ErrorIs(t, other.Borrow(func(*counter) error { return nil }), ErrReleased)
}
