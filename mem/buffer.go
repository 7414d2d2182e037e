package mem

import (
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/memerr"
)

// Buffer is an in-process, slice-backed PhysicalMemory. It has no
// real-world transport behind it; it exists for fixtures and tests that
// need a synthesized physical-memory image (page tables, a seeded kernel
// image, ...) without touching the filesystem.
type Buffer struct {
	buf      []byte
	readonly bool
	stats    Stats
}

// NewBuffer wraps buf as a PhysicalMemory. buf is not copied.
func NewBuffer(buf []byte) *Buffer { return &Buffer{buf: buf} }

func (b *Buffer) bounds(addr address.Address, length address.Length) (int, int, error) {
	start := addr.Uint64()
	n := length.Uint64()

	if start+n < start || start+n > uint64(len(b.buf)) {
		return 0, 0, fmt.Errorf("%w: len %s", &memerr.OutOfRange{Addr: addr}, length)
	}

	return int(start), int(start + n), nil
}

// PhysRead implements PhysicalMemory.
func (b *Buffer) PhysRead(addr address.Address, length address.Length) ([]byte, error) {
	start, end, err := b.bounds(addr, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, end-start)
	copy(out, b.buf[start:end])
	b.stats.RecordRead(len(out))

	return out, nil
}

// PhysWrite implements PhysicalMemory.
func (b *Buffer) PhysWrite(addr address.Address, data []byte) (address.Length, error) {
	if b.readonly {
		return 0, fmt.Errorf("%s: %w", addr, memerr.ErrUnsupported)
	}

	start, end, err := b.bounds(addr, address.FromBytes(uint64(len(data))))
	if err != nil {
		return 0, err
	}

	n := copy(b.buf[start:end], data)
	b.stats.RecordWrite(n)

	return address.FromBytes(uint64(n)), nil
}

// PhysReadBatch implements PhysicalMemory.
func (b *Buffer) PhysReadBatch(reqs []*PhysicalReadData) error {
	return ReadBatchLoop(b.PhysRead, reqs)
}

// PhysWriteBatch implements PhysicalMemory.
func (b *Buffer) PhysWriteBatch(reqs []*PhysicalWriteData) error {
	return WriteBatchLoop(b.PhysWrite, reqs)
}

// Metadata implements PhysicalMemory.
func (b *Buffer) Metadata() Metadata {
	return Metadata{MaxAddress: address.NewAddress(uint64(len(b.buf))), PageSizeHint: address.FromKB(4), Readonly: b.readonly}
}

// Stats implements PhysicalMemory.
func (b *Buffer) Stats() Snapshot { return b.stats.Snapshot() }

// SetReadonly marks the buffer readonly; used by tests exercising write
// failures.
func (b *Buffer) SetReadonly(ro bool) { b.readonly = ro }
