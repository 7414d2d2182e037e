// Client side of the bridge protocol: Connect dials a unix or tcp URL and
// returns a Client implementing PhysRead/PhysWrite/VirtRead/VirtWrite/
// ReadRegisters, serialized on a single connection (spec §5 — one logical
// owner per transport, no internal synchronization beyond that).
//
// Grounded on the teacher's migration package connection style and, for the
// connect-by-URL entry point, flow-core/src/bridge/client.rs's
// BridgeClient::connect (original_source) generalized from Rust+capnp to Go
// over the framed protocol in protocol.go.
package bridge

import (
	"fmt"
	"net"
	"sync"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/config"
	"github.com/d-ank/memflow/mem"
	"github.com/d-ank/memflow/memerr"
)

// chunkSize is the wire-level size limit from spec §4.2: any request whose
// data payload would exceed this must be split into consecutive
// sub-requests, each at most chunkSize, reassembled preserving byte order.
const chunkSize = 32 << 20 // 32 MiB

// Client is a connected bridge peer. Every request/reply pair is serialized
// on its single connection behind a mutex (see roundTrip), so a Client may
// be shared across goroutines; concurrent callers simply take turns on the
// wire.
type Client struct {
	conn  net.Conn
	mu    sync.Mutex
	lost  bool
	stats mem.Stats
}

// Connect dials urlstr ("unix:///path[,opt]" or "tcp://host:port[,opt]")
// and performs no further handshake — the bridge protocol has none.
func Connect(urlstr string) (*Client, error) {
	u, err := config.ParseURL(urlstr)
	if err != nil {
		return nil, err
	}

	var conn net.Conn

	switch u.Scheme {
	case config.SchemeUnix:
		conn, err = net.Dial("unix", u.Path)
		if err != nil {
			return nil, fmt.Errorf("bridge: dial unix %s: %w", u.Path, memerr.ErrTransportLost)
		}
	case config.SchemeTCP:
		conn, err = net.Dial("tcp", u.Path)
		if err != nil {
			return nil, fmt.Errorf("bridge: dial tcp %s: %w", u.Path, memerr.ErrTransportLost)
		}

		if u.HasOption("nodelay") {
			if tc, ok := conn.(*net.TCPConn); ok {
				if err := tc.SetNoDelay(true); err != nil {
					conn.Close()

					return nil, fmt.Errorf("bridge: set nodelay: %w", err)
				}
			}
		}
	default:
		return nil, fmt.Errorf("%q: %w", u.Scheme, memerr.ErrInvalidArgument)
	}

	return &Client{conn: conn}, nil
}

// NewClientForConn wraps an already-established connection as a bridge
// Client, bypassing URL parsing. Used by tests and by callers that dial a
// connection themselves (e.g. an existing net.Pipe or pre-authenticated
// socket).
func NewClientForConn(conn net.Conn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends req and waits for the matching reply, serialized behind
// c.mu so a Client is safe to share across goroutines even though spec §5
// only requires a single owner — cheap insurance, and it matches the
// teacher's single-connection migration Sender/Receiver pairing.
func (c *Client) roundTrip(req frame) (frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lost {
		return frame{}, fmt.Errorf("bridge: %w", memerr.ErrTransportLost)
	}

	if err := writeFrame(c.conn, req); err != nil {
		c.lost = true

		return frame{}, fmt.Errorf("bridge: %w", memerr.ErrTransportLost)
	}

	reply, err := readFrame(c.conn)
	if err != nil {
		c.lost = true

		return frame{}, fmt.Errorf("bridge: %w", memerr.ErrTransportLost)
	}

	if reply.kind == kindError {
		return frame{}, decodeErrorPayload(reply.payload)
	}

	if reply.msgType != req.msgType || reply.kind != kindReply {
		return frame{}, fmt.Errorf("bridge: reply mismatch for %s: %w", req.msgType, memerr.ErrProtocolViolation)
	}

	return reply, nil
}

// physReadChunk performs a single phys_read @0 call.
func (c *Client) physReadChunk(addr address.Address, length address.Length) ([]byte, error) {
	reply, err := c.roundTrip(frame{kind: kindRequest, msgType: MsgPhysRead, payload: encodePhysReadReq(addr, length)})
	if err != nil {
		return nil, err
	}

	return reply.payload, nil
}

// physWriteChunk performs a single phys_write @1 call.
func (c *Client) physWriteChunk(addr address.Address, data []byte) (address.Length, error) {
	reply, err := c.roundTrip(frame{kind: kindRequest, msgType: MsgPhysWrite, payload: encodePhysWriteReq(addr, data)})
	if err != nil {
		return 0, err
	}

	return decodeLengthReply(reply.payload)
}

// PhysRead implements mem.PhysicalMemory, chunking above chunkSize.
func (c *Client) PhysRead(addr address.Address, length address.Length) ([]byte, error) {
	out, err := readChunked(length, func(base address.Address, l address.Length) ([]byte, error) {
		return c.physReadChunk(base, l)
	}, addr)
	if err == nil {
		c.stats.RecordRead(len(out))
	}

	return out, err
}

// PhysWrite implements mem.PhysicalMemory, chunking above chunkSize.
func (c *Client) PhysWrite(addr address.Address, data []byte) (address.Length, error) {
	n, err := writeChunked(data, func(base address.Address, chunk []byte) (address.Length, error) {
		return c.physWriteChunk(base, chunk)
	}, addr)
	if err == nil {
		c.stats.RecordWrite(n.MustUsize())
	}

	return n, err
}

// PhysReadBatch implements mem.PhysicalMemory by dispatching sequentially —
// the bridge protocol has no native multi-request message; batching's win
// happens one layer up, in vat's batchWalk, by deduplicating page-table reads
// before they ever reach here.
func (c *Client) PhysReadBatch(reqs []*mem.PhysicalReadData) error {
	return mem.ReadBatchLoop(c.PhysRead, reqs)
}

// PhysWriteBatch is the write dual of PhysReadBatch.
func (c *Client) PhysWriteBatch(reqs []*mem.PhysicalWriteData) error {
	return mem.WriteBatchLoop(c.PhysWrite, reqs)
}

// Metadata implements mem.PhysicalMemory. The bridge protocol carries no
// metadata message in spec §4.2, so Client reports the widest possible
// address space and lets phys_read/phys_write surface OutOfRange from the
// remote side instead.
func (c *Client) Metadata() mem.Metadata {
	return mem.Metadata{MaxAddress: address.NewAddress(^uint64(0)), PageSizeHint: address.FromKB(4)}
}

// Stats implements mem.PhysicalMemory.
func (c *Client) Stats() mem.Snapshot { return c.stats.Snapshot() }

// virtReadChunk performs a single virt_read @2 call, capped at chunkSize.
func (c *Client) virtReadChunk(a arch.ID, dtb, addr address.Address, length address.Length) ([]byte, error) {
	reply, err := c.roundTrip(frame{kind: kindRequest, msgType: MsgVirtRead, payload: encodeVirtReadReq(a, dtb, addr, length)})
	if err != nil {
		return nil, err
	}

	return reply.payload, nil
}

// virtWriteChunk performs a single virt_write @3 call, capped at chunkSize.
func (c *Client) virtWriteChunk(a arch.ID, dtb, addr address.Address, data []byte) (address.Length, error) {
	reply, err := c.roundTrip(frame{kind: kindRequest, msgType: MsgVirtWrite, payload: encodeVirtWriteReq(a, dtb, addr, data)})
	if err != nil {
		return 0, err
	}

	return decodeLengthReply(reply.payload)
}

// VirtRead implements virt_read with the spec §4.2 chunking rule.
func (c *Client) VirtRead(a arch.ID, dtb, addr address.Address, length address.Length) ([]byte, error) {
	return readChunked(length, func(base address.Address, l address.Length) ([]byte, error) {
		return c.virtReadChunk(a, dtb, base, l)
	}, addr)
}

// VirtWrite implements virt_write with the spec §4.2 chunking rule — this
// is the 32 MiB splitter the original source left unimplemented (spec §9,
// resolved Open Question).
func (c *Client) VirtWrite(a arch.ID, dtb, addr address.Address, data []byte) (address.Length, error) {
	return writeChunked(data, func(base address.Address, chunk []byte) (address.Length, error) {
		return c.virtWriteChunk(a, dtb, base, chunk)
	}, addr)
}

// ReadRegisters performs a read_registers @4 call.
func (c *Client) ReadRegisters() ([]byte, error) {
	reply, err := c.roundTrip(frame{kind: kindRequest, msgType: MsgReadRegisters})
	if err != nil {
		return nil, err
	}

	return reply.payload, nil
}

// readChunked implements the spec §4.2/§4.4 chunking rule for a read of
// length starting at addr, calling do for each ≤chunkSize sub-range and
// reassembling the results in order.
func readChunked(length address.Length, do func(address.Address, address.Length) ([]byte, error), addr address.Address) ([]byte, error) {
	if length.Uint64() <= chunkSize {
		return do(addr, length)
	}

	n, err := length.Usize()
	if err != nil {
		return nil, err
	}

	result := make([]byte, n)

	base := addr
	end, err := addr.Add(length)
	if err != nil {
		return nil, err
	}

	for base < end {
		clamped := address.FromBytes(chunkSize)
		if boundAddr, err := base.Add(clamped); err != nil || boundAddr > end {
			clamped, err = end.Sub(base)
			if err != nil {
				return nil, err
			}
		}

		chunk, err := do(base, clamped)
		if err != nil {
			return nil, err
		}

		start, err := base.Sub(addr)
		if err != nil {
			return nil, err
		}

		copy(result[start.Uint64():], chunk)

		base, err = base.Add(clamped)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// writeChunked is the write dual of readChunked.
func writeChunked(data []byte, do func(address.Address, []byte) (address.Length, error), addr address.Address) (address.Length, error) {
	if len(data) <= chunkSize {
		return do(addr, data)
	}

	var total uint64

	base := addr

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}

		n, err := do(base, data[off:end])
		if err != nil {
			return address.FromBytes(total), err
		}

		total += n.Uint64()

		base, err = base.Add(address.FromBytes(uint64(end-off)))
		if err != nil {
			return address.FromBytes(total), err
		}
	}

	return address.FromBytes(total), nil
}
