// Package mem defines the physical-memory transport contract (spec §4.1,
// component C3): PhysRead/PhysWrite plus a batched form that amortizes many
// requests behind a single logical call. Two concrete realizations live in
// this tree: FileBacked (a local mmap'd flat image) and bridge.Client
// (a remote connector speaking the framed wire protocol in package bridge).
package mem

import (
	"sync/atomic"

	"github.com/d-ank/memflow/address"
)

// PhysicalReadData is one element of a batched physical read: Buf is filled
// in place on return. Err carries a per-element failure (e.g. a page the
// transport could not read) without failing the whole batch.
type PhysicalReadData struct {
	Addr address.Address
	Buf  []byte
	Err  error
}

// PhysicalWriteData is one element of a batched physical write.
type PhysicalWriteData struct {
	Addr    address.Address
	Buf     []byte
	Written address.Length
	Err     error
}

// Metadata describes the address space a PhysicalMemory exposes.
type Metadata struct {
	MaxAddress   address.Address
	PageSizeHint address.Length
	Readonly     bool
}

// Stats accumulates call/byte counters for a transport. It is the
// supplemented, metrics-library-free stand-in for the MB/s and calls/s
// figures the original project's read_bench example prints — just
// counters a caller can read, no sampling or export format attached.
type Stats struct {
	readCalls  uint64
	writeCalls uint64
	readBytes  uint64
	writeBytes uint64
}

// Snapshot is a point-in-time copy of a Stats' counters.
type Snapshot struct {
	ReadCalls  uint64
	WriteCalls uint64
	ReadBytes  uint64
	WriteBytes uint64
}

// RecordRead accounts for one completed read of n bytes.
func (s *Stats) RecordRead(n int) {
	atomic.AddUint64(&s.readCalls, 1)
	atomic.AddUint64(&s.readBytes, uint64(n))
}

// RecordWrite accounts for one completed write of n bytes.
func (s *Stats) RecordWrite(n int) {
	atomic.AddUint64(&s.writeCalls, 1)
	atomic.AddUint64(&s.writeBytes, uint64(n))
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ReadCalls:  atomic.LoadUint64(&s.readCalls),
		WriteCalls: atomic.LoadUint64(&s.writeCalls),
		ReadBytes:  atomic.LoadUint64(&s.readBytes),
		WriteBytes: atomic.LoadUint64(&s.writeBytes),
	}
}

// PhysicalMemory is the capability a physical transport exposes: single
// reads/writes plus their batched forms, and metadata/statistics about the
// underlying address space.
type PhysicalMemory interface {
	PhysRead(addr address.Address, length address.Length) ([]byte, error)
	PhysWrite(addr address.Address, data []byte) (address.Length, error)

	// PhysReadBatch fills each element's Buf in place. It only returns a
	// non-nil error if the transport itself is lost; per-element failures
	// are reported via each element's Err field.
	PhysReadBatch(reqs []*PhysicalReadData) error

	// PhysWriteBatch is the write dual of PhysReadBatch.
	PhysWriteBatch(reqs []*PhysicalWriteData) error

	Metadata() Metadata
	Stats() Snapshot
}

// ReadBatchLoop is the straightforward batched-read realization shared by
// transports with no native multi-request wire message (the bridge client,
// FileBacked, Buffer): it dispatches sequentially via single reads,
// restoring per-element ordering trivially since nothing reorders. A real
// remote backend may still win from this: vat's batchWalk already merged
// identical page-table entry reads before building reqs.
func ReadBatchLoop(read func(address.Address, address.Length) ([]byte, error), reqs []*PhysicalReadData) error {
	for _, r := range reqs {
		data, err := read(r.Addr, address.FromBytes(uint64(len(r.Buf))))
		if err != nil {
			r.Err = err

			continue
		}

		copy(r.Buf, data)
	}

	return nil
}

// WriteBatchLoop is the write dual of ReadBatchLoop.
func WriteBatchLoop(write func(address.Address, []byte) (address.Length, error), reqs []*PhysicalWriteData) error {
	for _, r := range reqs {
		n, err := write(r.Addr, r.Buf)
		if err != nil {
			r.Err = err

			continue
		}

		r.Written = n
	}

	return nil
}
