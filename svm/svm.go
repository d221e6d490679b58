// Package svm implements the host-side control path of the hardware
// virtualization extension: per-core bring-up, control-block lifecycle,
// projection of canonical virtual-CPU state onto the hardware layout,
// the world-switch sequence, the pending-event injection machine, and
// the exit dispatch loop.
package svm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

var (
	// ErrUnsupported reports that the virtualization extension is
	// absent or disabled by firmware. Recoverable: the caller falls
	// back to running without hardware assistance.
	ErrUnsupported = errors.New("svm extension unsupported or disabled")

	// ErrUnexpectedExit marks an exit reason no handler claims; it
	// is fatal to the affected machine, never to the host.
	ErrUnexpectedExit = errors.New("unexpected exit reason")
)

// MaxCores bounds the per-core registry.
const MaxCores = 256

// Identification leaves and bits used during bring-up.
const (
	leafExtFeatures = 0x80000001
	leafSVMFeatures = 0x8000000a

	extFeatureSVM = 1 << 2 // leaf 0x80000001 ECX

	svmFeatureNestedPaging = 1 << 0 // leaf 0x8000000a EDX
	svmFeatureLBRVirt      = 1 << 1
)

// Features describes what the processor's virtualization extension can
// do, computed once by the first core to come up.
type Features struct {
	NestedPaging bool
	LBRVirt      bool
}

// coreState is one physical core's slot in the registry: the host-save
// page the hardware spills to on guest entry, the root control block
// host state lives in between guests, and the virtual CPU whose lazy
// hardware state (FPU, debug registers, hidden segments) currently owns
// the core.
type coreState struct {
	hostSave *vmcb.Block
	root     *vmcb.Block
	current  *VCPU
}

func (cs *coreState) rootPA(hw Hardware) uint64 {
	return hw.VirtToPhys(cs.root.Addr())
}

// Each core writes only its own slot, during its own bring-up; there is
// no concurrent access to a slot afterwards.
var cores [MaxCores]*coreState

var (
	features   Features
	registered uint32
)

// tlbGeneration counts machine-wide flush requests; each virtual CPU
// catches up before its next entry.
var tlbGeneration uint64

// FlushGuestTLBs invalidates every guest's cached translations. The
// flush is deferred: a virtual CPU notices the new generation at its
// next resume and takes a fresh address-space tag there.
func FlushGuestTLBs() {
	atomic.AddUint64(&tlbGeneration, 1)
}

// StartCore brings the virtualization extension up on the calling core:
// capability check, host-save and root-block allocation, extension
// enable, and host-save address programming. The first core to finish
// also computes the feature flags and publishes the platform backend;
// that single cross-core write is guarded by a compare-and-swap.
func StartCore(hw Hardware, asid hvm.ASID) error {
	core := hw.CoreID()

	_, _, ecx, _ := hw.CPUID(leafExtFeatures, 0)
	if ecx&extFeatureSVM == 0 {
		return fmt.Errorf("core %d: %w", core, ErrUnsupported)
	}

	if vmcr, ok := hw.ReadMSR(x86.MSRVMCR); ok && vmcr&x86.VMCRSVMEDisable != 0 {
		return fmt.Errorf("core %d: %w: locked by firmware", core, ErrUnsupported)
	}

	hostSave, err := vmcb.Alloc()
	if err != nil {
		return fmt.Errorf("core %d: host save area: %w", core, err)
	}

	root, err := vmcb.Alloc()
	if err != nil {
		_ = hostSave.Free()

		return fmt.Errorf("core %d: root block: %w", core, err)
	}

	hw.WriteEFER(hw.ReadEFER() | x86.EFERxSVME)
	hw.WriteMSR(x86.MSRVMHSavePA, hw.VirtToPhys(hostSave.Addr()))

	asid.InitCore()

	cores[core] = &coreState{hostSave: hostSave, root: root}

	if atomic.CompareAndSwapUint32(&registered, 0, 1) {
		_, _, _, edx := hw.CPUID(leafSVMFeatures, 0)
		features = Features{
			NestedPaging: edx&svmFeatureNestedPaging != 0,
			LBRVirt:      edx&svmFeatureLBRVirt != 0,
		}

		if err := hvm.Enable(&hvm.Backend{
			Name:             "svm",
			NestedPaging:     features.NestedPaging,
			NestedSuperPages: features.NestedPaging,
			FlushGuestTLBs:   FlushGuestTLBs,
		}); err != nil {
			return fmt.Errorf("core %d: %w", core, err)
		}
	}

	return nil
}

// CoreDown disables the virtualization extension on the calling core.
func CoreDown(hw Hardware) {
	hw.WriteEFER(hw.ReadEFER() &^ x86.EFERxSVME)
}

// HostFeatures returns the flags computed at bring-up.
func HostFeatures() Features { return features }
