package core

import "fmt"

// Identifiers hands out small integer owner ids and recycles released ones.
// Each device keeps its own table.
type Identifiers struct {
	owners []interface{}
}

func NewIdentifiers(initial int) *Identifiers {
	return &Identifiers{owners: make([]interface{}, 0, initial)}
}

func (ids *Identifiers) Acquire(owner interface{}) uint32 {
	length := uint32(len(ids.owners))
	for i := uint32(0); i < length; i++ {
		// Existing free spot. Take it.
		if ids.owners[i] == nil {
			ids.owners[i] = owner
			return i
		}
	}

	// If here, no existing free slots. Need a new id, so push one.
	ids.owners = append(ids.owners, owner)
	return uint32(len(ids.owners)) - 1
}

func (ids *Identifiers) Release(id uint32) error {
	length := uint32(len(ids.owners))
	if id >= length {
		return fmt.Errorf("identifier release: id '%d' out of range (max=%d): %w", id, length, ErrIdentifierUnused)
	}
	if ids.owners[id] == nil {
		return fmt.Errorf("identifier release: id '%d': %w", id, ErrIdentifierUnused)
	}
	ids.owners[id] = nil
	return nil
}

// Owner returns the value registered under id, or nil.
func (ids *Identifiers) Owner(id uint32) interface{} {
	if id >= uint32(len(ids.owners)) {
		return nil
	}
	return ids.owners[id]
}

// InUse counts the ids currently held.
func (ids *Identifiers) InUse() int {
	n := 0
	for _, o := range ids.owners {
		if o != nil {
			n++
		}
	}
	return n
}
