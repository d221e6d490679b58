package hvm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var ErrBackendEnabled = errors.New("a virtualization backend is already enabled")

// Backend describes the hardware virtualization backend that owns the
// platform, published once at startup: its capability flags plus the
// machine-wide operations it exports. Per-CPU operations hang off the
// backend's own virtual-CPU type.
type Backend struct {
	Name string

	// NestedPaging reports second-level address translation.
	NestedPaging bool

	// NestedSuperPages reports large-page support in the second
	// level tables.
	NestedSuperPages bool

	// FlushGuestTLBs invalidates every guest's cached translations,
	// machine-wide.
	FlushGuestTLBs func()
}

var backend unsafe.Pointer // *Backend

// Enable publishes b as the platform's backend. Only the first call
// succeeds; the backend cannot be replaced at runtime.
func Enable(b *Backend) error {
	if !atomic.CompareAndSwapPointer(&backend, nil, unsafe.Pointer(b)) {
		return ErrBackendEnabled
	}

	return nil
}

// Enabled returns the published backend, or nil before Enable.
func Enabled() *Backend {
	return (*Backend)(atomic.LoadPointer(&backend))
}
