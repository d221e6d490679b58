// Framed binary transport used to stream saved state between a source
// and a destination, typically over a TCP connection.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package state

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MsgType identifies a transfer protocol message.
type MsgType uint32

const (
	MsgCPU   MsgType = 1 // gob-encoded CPU record, one per virtual CPU
	MsgDone  MsgType = 2 // source signals end of transfer
	MsgReady MsgType = 3 // destination confirms the restored machine runs
)

// MaxPayload bounds a single frame. CPU records are a few hundred
// bytes; the header length field is untrusted input and must not size
// an allocation on its own.
const MaxPayload = 1 << 20

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendCPU encodes one CPU record and sends it as a MsgCPU.
func (s *Sender) SendCPU(cpu *CPU) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(cpu); err != nil {
		return fmt.Errorf("encode cpu record: %w", err)
	}

	return s.send(MsgCPU, buf.Bytes())
}

// SendDone signals the end of the transfer stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the restored machine is running.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full
// payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("payload length %d exceeds limit %d (type=%d)",
			length, MaxPayload, t)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeCPU decodes a gob-encoded CPU record from payload bytes. The
// pending-event word is validated before the record is returned, so a
// corrupt stream is rejected before any restore begins.
func DecodeCPU(payload []byte) (*CPU, error) {
	cpu := &CPU{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(cpu); err != nil {
		return nil, fmt.Errorf("decode cpu record: %w", err)
	}

	if err := cpu.ValidatePendingEvent(); err != nil {
		return nil, err
	}

	return cpu, nil
}
