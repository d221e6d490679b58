// Package trace accounts what the guest traps on and optionally spills
// a binary record per event for offline inspection with the CLI.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	Magic   uint32 = 0x47535654 // "GSVT"
	Version uint32 = 1
)

// Kind labels one traced event. A and B of the record are kind-specific
// (exit code and exit info, fault address and error code, vector and
// error code).
type Kind uint16

const (
	KindExit Kind = iota + 1
	KindAsync
	KindPageFault
	KindPageFaultFixed
	KindNestedFault
	KindMMIO
	KindInject
	KindHalt
	KindMigration
	KindCrash
)

var kindNames = map[Kind]string{
	KindExit:           "exit",
	KindAsync:          "async",
	KindPageFault:      "pagefault",
	KindPageFaultFixed: "pagefault-fixed",
	KindNestedFault:    "nested-fault",
	KindMMIO:           "mmio",
	KindInject:         "inject",
	KindHalt:           "halt",
	KindMigration:      "migration",
	KindCrash:          "crash",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind-%d", k)
}

// Event is one decoded stream record.
type Event struct {
	Kind Kind
	A, B uint64
}

const recordSize = 2 + 6 + 8 + 8

// Counts is a snapshot of the recorder's counters.
type Counts struct {
	Exits        uint64 `json:"exits"`
	Async        uint64 `json:"async"`
	PageFaults   uint64 `json:"page_faults"`
	FixedFaults  uint64 `json:"fixed_faults"`
	NestedFaults uint64 `json:"nested_faults"`
	MMIO         uint64 `json:"mmio"`
	Injects      uint64 `json:"injects"`
	Halts        uint64 `json:"halts"`
	Migrations   uint64 `json:"migrations"`
	Crashes      uint64 `json:"crashes"`
}

// Recorder counts events and, when constructed over a writer, streams a
// fixed-size record per event. A nil Recorder discards everything.
type Recorder struct {
	w      io.Writer
	counts [KindCrash + 1]uint64
}

// New returns a Recorder. w may be nil for counting only; otherwise the
// stream header is written immediately.
func New(w io.Writer) (*Recorder, error) {
	r := &Recorder{w: w}

	if w != nil {
		var hdr [8]byte

		binary.LittleEndian.PutUint32(hdr[0:4], Magic)
		binary.LittleEndian.PutUint32(hdr[4:8], Version)

		if _, err := w.Write(hdr[:]); err != nil {
			return nil, fmt.Errorf("trace: write header: %w", err)
		}
	}

	return r, nil
}

// Event records one event.
func (r *Recorder) Event(kind Kind, a, b uint64) {
	if r == nil {
		return
	}

	if int(kind) < len(r.counts) {
		atomic.AddUint64(&r.counts[kind], 1)
	}

	if r.w == nil {
		return
	}

	var rec [recordSize]byte

	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint64(rec[8:16], a)
	binary.LittleEndian.PutUint64(rec[16:24], b)

	// Best effort: a failing trace sink must not affect the guest.
	_, _ = r.w.Write(rec[:])
}

// Counts returns a snapshot of the counters.
func (r *Recorder) Counts() Counts {
	if r == nil {
		return Counts{}
	}

	load := func(k Kind) uint64 { return atomic.LoadUint64(&r.counts[k]) }

	return Counts{
		Exits:        load(KindExit),
		Async:        load(KindAsync),
		PageFaults:   load(KindPageFault),
		FixedFaults:  load(KindPageFaultFixed),
		NestedFaults: load(KindNestedFault),
		MMIO:         load(KindMMIO),
		Injects:      load(KindInject),
		Halts:        load(KindHalt),
		Migrations:   load(KindMigration),
		Crashes:      load(KindCrash),
	}
}

var ErrBadStream = errors.New("trace: malformed stream")

// ReadStream decodes a stream produced by a Recorder.
func ReadStream(r io.Reader) ([]Event, error) {
	var hdr [8]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadStream, err)
	}

	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadStream)
	}

	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadStream, v)
	}

	var events []Event

	for {
		var rec [recordSize]byte

		_, err := io.ReadFull(r, rec[:])
		if err == io.EOF {
			return events, nil
		}

		if err != nil {
			return nil, fmt.Errorf("%w: record: %v", ErrBadStream, err)
		}

		events = append(events, Event{
			Kind: Kind(binary.LittleEndian.Uint16(rec[0:2])),
			A:    binary.LittleEndian.Uint64(rec[8:16]),
			B:    binary.LittleEndian.Uint64(rec[16:24]),
		})
	}
}
