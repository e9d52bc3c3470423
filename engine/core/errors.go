package core

import (
	"errors"
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrUnknownBackend   = errors.New("unknown device backend")
	ErrIdentifierUnused = errors.New("identifier is not in use")
	ErrUnknown          = errors.New("unknown")
)
