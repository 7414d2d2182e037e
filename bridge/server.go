// Server side of the bridge protocol. Serve loops reading request frames
// off conn and dispatching them to a Backend, replying with either a reply
// or error frame. It is used by the reference/mock server in tests and by
// any real deployment that exposes physical/virtual memory to a remote
// bridge client.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/memerr"
)

// Backend is what a bridge server dispatches requests to: physical memory
// plus the virtual read/write and register-snapshot operations layered on
// top of it (spec §4.2's five messages). virtmem.Facade satisfies this,
// forwarding phys_read/phys_write to its own mem.PhysicalMemory.
type Backend interface {
	PhysRead(addr address.Address, length address.Length) ([]byte, error)
	PhysWrite(addr address.Address, data []byte) (address.Length, error)
	VirtRead(a arch.ID, dtb, addr address.Address, length address.Length) ([]byte, error)
	VirtWrite(a arch.ID, dtb, addr address.Address, data []byte) (address.Length, error)
	ReadRegisters() ([]byte, error)
}

// Serve handles one connection until it closes or a frame cannot be read or
// written. A request that fails to decode or dispatch (a protocol violation
// included) is answered with an error frame and the loop goes on. It never
// reconnects — matching spec §4.2's "reconnection is not automatic" — the
// caller is responsible for accepting the next connection.
func Serve(conn net.Conn, backend Backend) error {
	for {
		req, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		reply, err := dispatch(backend, req)
		if err != nil {
			if werr := writeFrame(conn, frame{kind: kindError, msgType: req.msgType, payload: encodeErrorPayload(err)}); werr != nil {
				return werr
			}

			continue
		}

		if err := writeFrame(conn, reply); err != nil {
			return err
		}
	}
}

func dispatch(backend Backend, req frame) (frame, error) {
	switch req.msgType {
	case MsgPhysRead:
		addr, length, err := decodePhysReadReq(req.payload)
		if err != nil {
			return frame{}, err
		}

		data, err := backend.PhysRead(addr, length)
		if err != nil {
			return frame{}, err
		}

		return frame{kind: kindReply, msgType: req.msgType, payload: data}, nil

	case MsgPhysWrite:
		addr, data, err := decodePhysWriteReq(req.payload)
		if err != nil {
			return frame{}, err
		}

		n, err := backend.PhysWrite(addr, data)
		if err != nil {
			return frame{}, err
		}

		return frame{kind: kindReply, msgType: req.msgType, payload: encodeLengthReply(n)}, nil

	case MsgVirtRead:
		a, dtb, addr, length, err := decodeVirtReadReq(req.payload)
		if err != nil {
			return frame{}, err
		}

		data, err := backend.VirtRead(a, dtb, addr, length)
		if err != nil {
			return frame{}, err
		}

		return frame{kind: kindReply, msgType: req.msgType, payload: data}, nil

	case MsgVirtWrite:
		a, dtb, addr, data, err := decodeVirtWriteReq(req.payload)
		if err != nil {
			return frame{}, err
		}

		n, err := backend.VirtWrite(a, dtb, addr, data)
		if err != nil {
			return frame{}, err
		}

		return frame{kind: kindReply, msgType: req.msgType, payload: encodeLengthReply(n)}, nil

	case MsgReadRegisters:
		data, err := backend.ReadRegisters()
		if err != nil {
			return frame{}, err
		}

		return frame{kind: kindReply, msgType: req.msgType, payload: data}, nil

	default:
		return frame{}, fmt.Errorf("unknown message type %d: %w", req.msgType, memerr.ErrProtocolViolation)
	}
}

// Listen opens a listener on network/addr with net.Listen and returns it.
// It does not accept or serve connections itself: the caller accepts each
// connection and hands it to Serve.
func Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}
