// File-backed physical transport: memory-maps a flat physical-memory image
// (a coredump, or a file a driver exposes) and serves PhysRead/PhysWrite
// directly against the mapping. Adapted from the teacher's
// memory/memory.go MemorySlot, which anonymous-mmaps guest RAM for a live
// KVM guest — here the mapping backs a foreign, already-frozen image
// instead of RAM the local process owns.
package mem

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/memerr"
)

// FileBacked is a PhysicalMemory backed by an mmap'd file.
type FileBacked struct {
	f        *os.File
	m        mmap.MMap
	readonly bool
	stats    Stats
}

// OpenFile mmaps path as a physical-memory image. writable selects
// PROT_READ|PROT_WRITE vs. PROT_READ-only mapping.
func OpenFile(path string, writable bool) (*FileBacked, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	prot := mmap.RDONLY
	if writable {
		prot = mmap.RDWR
	}

	m, err := mmap.Map(f, prot, 0)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	// MADV_RANDOM: physical-memory access during a page-table walk has no
	// useful locality for the kernel's readahead heuristics to exploit.
	_ = unix.Madvise(m, unix.MADV_RANDOM)

	return &FileBacked{f: f, m: m, readonly: !writable}, nil
}

// Close unmaps the image and closes the underlying file.
func (fb *FileBacked) Close() error {
	if err := fb.m.Unmap(); err != nil {
		return err
	}

	return fb.f.Close()
}

func (fb *FileBacked) bounds(addr address.Address, length address.Length) (int, int, error) {
	start := addr.Uint64()
	n := length.Uint64()

	if start+n < start || start+n > uint64(len(fb.m)) {
		return 0, 0, fmt.Errorf("%w: %s len %s", &memerr.OutOfRange{Addr: addr}, addr, length)
	}

	return int(start), int(start + n), nil
}

// PhysRead implements PhysicalMemory.
func (fb *FileBacked) PhysRead(addr address.Address, length address.Length) ([]byte, error) {
	start, end, err := fb.bounds(addr, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, end-start)
	copy(out, fb.m[start:end])
	fb.stats.RecordRead(len(out))

	return out, nil
}

// PhysWrite implements PhysicalMemory.
func (fb *FileBacked) PhysWrite(addr address.Address, data []byte) (address.Length, error) {
	if fb.readonly {
		return 0, fmt.Errorf("%s: %w", addr, memerr.ErrUnsupported)
	}

	start, end, err := fb.bounds(addr, address.FromBytes(uint64(len(data))))
	if err != nil {
		return 0, err
	}

	n := copy(fb.m[start:end], data)
	fb.stats.RecordWrite(n)

	return address.FromBytes(uint64(n)), nil
}

// PhysReadBatch implements PhysicalMemory.
func (fb *FileBacked) PhysReadBatch(reqs []*PhysicalReadData) error {
	return ReadBatchLoop(fb.PhysRead, reqs)
}

// PhysWriteBatch implements PhysicalMemory.
func (fb *FileBacked) PhysWriteBatch(reqs []*PhysicalWriteData) error {
	return WriteBatchLoop(fb.PhysWrite, reqs)
}

// Metadata implements PhysicalMemory.
func (fb *FileBacked) Metadata() Metadata {
	return Metadata{
		MaxAddress:   address.NewAddress(uint64(len(fb.m))),
		PageSizeHint: address.FromKB(4),
		Readonly:     fb.readonly,
	}
}

// Stats implements PhysicalMemory.
func (fb *FileBacked) Stats() Snapshot { return fb.stats.Snapshot() }
