package containers

import (
	"errors"
	"fmt"
)

var (
	ErrReleased        = errors.New("handle already released")
	ErrAlreadyBorrowed = errors.New("value is already borrowed")
)

// Rc is a reference-counted handle to a value shared by several owners.
// Each handle counts as one owner: Clone adds one, Release drops it.
// When the last handle is released the drop function runs exactly once.
//
// Mutable access goes through Borrow, which refuses re-entrant access.
// Rc is not safe for use by multiple goroutines; callers sharing
// handles across goroutines must serialize access themselves.
type Rc[T any] struct {
	box      *rcBox[T]
	released bool
}

type rcBox[T any] struct {
	value    T
	strong   int
	borrowed bool
	dropped  bool
	drop     func(T) error
}

func NewRc[T any](value T, drop func(T) error) *Rc[T] {
	return &Rc[T]{
		box: &rcBox[T]{
			value:  value,
			strong: 1,
			drop:   drop,
		},
	}
}

// Clone returns a new handle to the same value.
func (r *Rc[T]) Clone() *Rc[T] {
	r.mustBeLive("Clone")
	r.box.strong++
	return &Rc[T]{box: r.box}
}

// Release drops this handle. It reports whether the value was dropped
// as a result, together with any error returned by the drop function.
// Releasing the same handle twice returns ErrReleased.
func (r *Rc[T]) Release() (bool, error) {
	if r.released {
		return false, ErrReleased
	}
	if r.box.borrowed {
		return false, ErrAlreadyBorrowed
	}
	r.released = true
	r.box.strong--
	if r.box.strong > 0 {
		return false, nil
	}

	r.box.dropped = true
	var err error
	if r.box.drop != nil {
		err = r.box.drop(r.box.value)
	}
	var zero T
	r.box.value = zero
	return true, err
}

// Get returns the shared value for read access.
func (r *Rc[T]) Get() T {
	r.mustBeLive("Get")
	return r.box.value
}

// Borrow runs fn with exclusive access to the value.
func (r *Rc[T]) Borrow(fn func(T) error) error {
	if r.released {
		return ErrReleased
	}
	if r.box.borrowed {
		return ErrAlreadyBorrowed
	}
	r.box.borrowed = true
	defer func() { r.box.borrowed = false }()
	return fn(r.box.value)
}

// StrongCount is the number of live handles sharing the value.
func (r *Rc[T]) StrongCount() int {
	if r.box.dropped {
		return 0
	}
	return r.box.strong
}

func (r *Rc[T]) Released() bool {
	return r.released
}

// Same reports whether both handles point at the same value.
func (r *Rc[T]) Same(other *Rc[T]) bool {
	return other != nil && r.box == other.box
}

func (r *Rc[T]) mustBeLive(op string) {
	if r.released {
		panic(fmt.Sprintf("containers.Rc.%s: %s", op, ErrReleased))
	}
}
