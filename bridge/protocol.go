// Wire protocol for the bridge (spec §4.2, component C4): a two-party,
// single-connection, synchronous request/reply protocol carrying
// phys_read/phys_write/virt_read/virt_write/read_registers.
//
// Framing follows the teacher's migration/transport.go convention (a fixed
// binary header followed by a payload) rather than cap'n-proto — see
// DESIGN.md and SPEC_FULL.md §1 for why: no cap'n-proto library appears
// anywhere in the retrieved corpus.
//
// Frame layout: [1-byte kind][4-byte big-endian msgType][8-byte big-endian
// payload length][payload].
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/d-ank/memflow/memerr"
)

// MsgType identifies a bridge request/reply pair.
type MsgType uint32

const (
	MsgPhysRead      MsgType = 0
	MsgPhysWrite     MsgType = 1
	MsgVirtRead      MsgType = 2
	MsgVirtWrite     MsgType = 3
	MsgReadRegisters MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgPhysRead:
		return "phys_read"
	case MsgPhysWrite:
		return "phys_write"
	case MsgVirtRead:
		return "virt_read"
	case MsgVirtWrite:
		return "virt_write"
	case MsgReadRegisters:
		return "read_registers"
	default:
		return fmt.Sprintf("msg(%d)", uint32(t))
	}
}

type frameKind uint8

const (
	kindRequest frameKind = 0
	kindReply   frameKind = 1
	kindError   frameKind = 2
)

// frame is one wire message: a header plus its payload.
type frame struct {
	kind    frameKind
	msgType MsgType
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	hdr := make([]byte, 13)
	hdr[0] = byte(f.kind)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(f.msgType))
	binary.BigEndian.PutUint64(hdr[5:13], uint64(len(f.payload)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("bridge: write frame header: %w", err)
	}

	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return fmt.Errorf("bridge: write frame payload: %w", err)
		}
	}

	return nil
}

func readFrame(r io.Reader) (frame, error) {
	hdr := make([]byte, 13)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return frame{}, fmt.Errorf("bridge: read frame header: %w", err)
	}

	f := frame{
		kind:    frameKind(hdr[0]),
		msgType: MsgType(binary.BigEndian.Uint32(hdr[1:5])),
	}

	length := binary.BigEndian.Uint64(hdr[5:13])
	if length == 0 {
		return f, nil
	}

	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, fmt.Errorf("bridge: read frame payload (type=%s len=%d): %w", f.msgType, length, err)
	}

	return f, nil
}

// errKind tags the remote-error taxonomy on the wire (spec §7).
type errKind uint8

const (
	errInvalidArgument errKind = iota + 1
	errUnsupported
	errTransportLost
	errProtocolViolation
	errRemote
	errPageFault
	errOutOfRange
	errParse
	errNotFound
	errTimeout
)

func classify(err error) errKind {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, memerr.ErrInvalidArgument):
		return errInvalidArgument
	case errors.Is(err, memerr.ErrUnsupported):
		return errUnsupported
	case errors.Is(err, memerr.ErrTransportLost):
		return errTransportLost
	case errors.Is(err, memerr.ErrProtocolViolation):
		return errProtocolViolation
	case errors.Is(err, memerr.ErrPageFault):
		return errPageFault
	case errors.Is(err, memerr.ErrOutOfRange):
		return errOutOfRange
	case errors.Is(err, memerr.ErrParse):
		return errParse
	case errors.Is(err, memerr.ErrNotFound):
		return errNotFound
	case errors.Is(err, memerr.ErrTimeout):
		return errTimeout
	default:
		return errRemote
	}
}

func (k errKind) sentinel() error {
	switch k {
	case errInvalidArgument:
		return memerr.ErrInvalidArgument
	case errUnsupported:
		return memerr.ErrUnsupported
	case errTransportLost:
		return memerr.ErrTransportLost
	case errProtocolViolation:
		return memerr.ErrProtocolViolation
	case errPageFault:
		return memerr.ErrPageFault
	case errOutOfRange:
		return memerr.ErrOutOfRange
	case errParse:
		return memerr.ErrParse
	case errNotFound:
		return memerr.ErrNotFound
	case errTimeout:
		return memerr.ErrTimeout
	default:
		return memerr.ErrRemote
	}
}

func encodeErrorPayload(err error) []byte {
	kind := classify(err)
	msg := err.Error()
	payload := make([]byte, 1+len(msg))
	payload[0] = byte(kind)
	copy(payload[1:], msg)

	return payload
}

func decodeErrorPayload(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("bridge: empty error payload: %w", memerr.ErrProtocolViolation)
	}

	kind := errKind(payload[0])
	msg := string(payload[1:])

	return fmt.Errorf("%s: %w", msg, kind.sentinel())
}
