// Package vmcb defines the hardware-mandated layout of the per-vCPU
// control block and the per-core host-save pages, together with typed
// accessors for its packed bit-fields. Every struct here is laid out
// bit-for-bit as the processor expects it; do not reorder fields or
// change any padding.
package vmcb

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the size of a control block and of a host-save area.
const PageSize = 4096

// Segment is a segment register as stored in the save area: selector,
// packed descriptor attributes, limit and base.
type Segment struct {
	Selector uint16
	Attr     uint16
	Limit    uint32
	Base     uint64
}

// DPL extracts the descriptor privilege level from the packed attributes.
func (s Segment) DPL() uint8 { return uint8(s.Attr>>5) & 3 }

// SetDPL replaces the descriptor privilege level in the packed attributes.
func (s *Segment) SetDPL(dpl uint8) {
	s.Attr = s.Attr&^(3<<5) | uint16(dpl&3)<<5
}

// LongMode reports the L bit of the packed attributes.
func (s Segment) LongMode() bool { return s.Attr&(1<<9) != 0 }

// DefaultBig reports the D/B bit of the packed attributes.
func (s Segment) DefaultBig() bool { return s.Attr&(1<<10) != 0 }

// VMCB is the hardware control block. The first 0x400 bytes are the
// control area (intercept configuration and exit metadata); the rest is
// the state save area the VMSAVE/VMLOAD and world-switch microcode
// operates on.
type VMCB struct {
	CRIntercepts        uint32    // 0x000
	DRIntercepts        uint32    // 0x004
	ExceptionIntercepts uint32    // 0x008
	General1Intercepts  uint32    // 0x00c
	General2Intercepts  uint32    // 0x010
	_                   [44]byte  // 0x014
	IOPMBasePA          uint64    // 0x040
	MSRPMBasePA         uint64    // 0x048
	TSCOffset           uint64    // 0x050
	GuestASID           uint32    // 0x058
	TLBControl          uint32    // 0x05c
	VIntr               VIntr     // 0x060
	InterruptShadow     uint64    // 0x068
	ExitCode            ExitCode  // 0x070
	ExitInfo1           uint64    // 0x078
	ExitInfo2           uint64    // 0x080
	ExitIntInfo         EventInj  // 0x088
	NPEnable            uint64    // 0x090
	_                   [16]byte  // 0x098
	EventInj            EventInj  // 0x0a8
	HCR3                uint64    // 0x0b0
	LBRControl          uint64    // 0x0b8
	_                   [832]byte // 0x0c0

	ES   Segment   // 0x400
	CS   Segment   // 0x410
	SS   Segment   // 0x420
	DS   Segment   // 0x430
	FS   Segment   // 0x440
	GS   Segment   // 0x450
	GDTR Segment   // 0x460
	LDTR Segment   // 0x470
	IDTR Segment   // 0x480
	TR   Segment   // 0x490
	_    [43]byte  // 0x4a0
	CPL  uint8     // 0x4cb
	_    [4]byte   // 0x4cc
	EFER uint64    // 0x4d0
	_    [112]byte // 0x4d8

	CR4    uint64   // 0x548
	CR3    uint64   // 0x550
	CR0    uint64   // 0x558
	DR7    uint64   // 0x560
	DR6    uint64   // 0x568
	RFLAGS uint64   // 0x570
	RIP    uint64   // 0x578
	_      [88]byte // 0x580
	RSP    uint64   // 0x5d8
	_      [24]byte // 0x5e0
	RAX    uint64   // 0x5f8

	Star        uint64   // 0x600
	LStar       uint64   // 0x608
	CStar       uint64   // 0x610
	SFMask      uint64   // 0x618
	KernGSBase  uint64   // 0x620
	SysenterCS  uint64   // 0x628
	SysenterESP uint64   // 0x630
	SysenterEIP uint64   // 0x638
	CR2         uint64   // 0x640
	_           [32]byte // 0x648
	GPAT        uint64   // 0x668

	DbgCtl           uint64     // 0x670
	LastBranchFromIP uint64     // 0x678
	LastBranchToIP   uint64     // 0x680
	LastIntFromIP    uint64     // 0x688
	LastIntToIP      uint64     // 0x690
	_                [2408]byte // 0x698
}

// LBREnable is the branch-recording enable bit of LBRControl.
const LBREnable = 1

// Block is one hardware page obtained from the host allocator. It backs
// either a VMCB or an opaque host-save area; for the latter the VMCB
// view is never touched.
type Block struct {
	vmcb *VMCB
	page []byte
}

// Alloc returns a zeroed, page-aligned hardware page. The zero state is
// the hardware default for every control-block field.
func Alloc() (*Block, error) {
	page, err := unix.Mmap(-1, 0, PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vmcb: alloc page: %w", err)
	}

	return &Block{
		vmcb: (*VMCB)(unsafe.Pointer(&page[0])),
		page: page,
	}, nil
}

// VMCB returns the typed view of the page.
func (b *Block) VMCB() *VMCB { return b.vmcb }

// Bytes returns the raw page, for blocks used as bitmaps rather than
// control blocks.
func (b *Block) Bytes() []byte { return b.page }

// Addr returns the page's virtual address, for translation to the
// physical address the hardware is programmed with.
func (b *Block) Addr() unsafe.Pointer { return unsafe.Pointer(&b.page[0]) }

// Free releases the page. The block must not be used afterwards.
func (b *Block) Free() error {
	page := b.page
	b.page = nil
	b.vmcb = nil

	if err := unix.Munmap(page); err != nil {
		return fmt.Errorf("vmcb: free page: %w", err)
	}

	return nil
}
