package models

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	ADDR_OUT_OF_BOUNDS = iota + 1
	ADDR_NOT_PRESENT
	ADDR_SWAPPED
	ADDR_BAD_ENTRY
)

type InvalidAddressError struct {
	Layer string
	Addr  uint64
	Size  int
	Enum  int
}

func (e *InvalidAddressError) Error() string {
	reason := "invalid address"
	switch e.Enum {
	case ADDR_OUT_OF_BOUNDS:
		reason = "address out of bounds"
	case ADDR_NOT_PRESENT:
		reason = "page not present"
	case ADDR_SWAPPED:
		reason = "page swapped out"
	case ADDR_BAD_ENTRY:
		reason = "bad page table entry"
	}
	return fmt.Sprintf("%s: %s at %#x(%d)", e.Layer, reason, e.Addr, e.Size)
}

// PagedInvalidAddressError is returned by translation layers and records the
// paging level that failed (0 is the leaf table).
type PagedInvalidAddressError struct {
	InvalidAddressError
	Level int
	Entry uint64
}

func (e *PagedInvalidAddressError) Error() string {
	return fmt.Sprintf("%s (level %d, entry %#x)", e.InvalidAddressError.Error(), e.Level, e.Entry)
}

// AsInvalidAddress unwraps err down to an address error, if it is one.
func AsInvalidAddress(err error) (*InvalidAddressError, bool) {
	switch e := errors.Cause(err).(type) {
	case *InvalidAddressError:
		return e, true
	case *PagedInvalidAddressError:
		return &e.InvalidAddressError, true
	}
	return nil, false
}

func IsInvalidAddress(err error) bool {
	_, ok := AsInvalidAddress(err)
	return ok
}
