// Package virtmem implements the virtual memory facade (spec §4.4,
// component C6): VirtRead/VirtWrite composed from a vat.VAT and a
// mem.PhysicalMemory, plus the supplemented PageMap feature. It is the
// thing that sits on the server side of a bridge.Serve loop, and is also
// usable directly by a caller with local physical-memory access and no
// bridge at all.
package virtmem

import (
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/mem"
	"github.com/d-ank/memflow/memerr"
	"github.com/d-ank/memflow/vat"
)

// DefaultChunkSize mirrors the bridge's own 32 MiB wire chunk cap (spec
// §4.2) — Facade splits at the larger of this and a page boundary, per
// §4.4's chunk-boundary rule, so a Facade standing in front of a
// size-capped transport never asks it for more than it can serve in one
// call.
const DefaultChunkSize = 32 << 20

// Facade composes a vat.VAT with the physical transport it translates
// against.
type Facade struct {
	vat       *vat.VAT
	phys      mem.PhysicalMemory
	chunkSize uint64
}

// New constructs a Facade. chunkSize of 0 selects DefaultChunkSize.
func New(v *vat.VAT, phys mem.PhysicalMemory, chunkSize uint64) *Facade {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	return &Facade{vat: v, phys: phys, chunkSize: chunkSize}
}

// VirtRead implements bridge.Backend: a single-range read that defers to
// the VAT's batched path, splitting above the chunk cap per §4.4.
func (f *Facade) VirtRead(a arch.ID, dtb, addr address.Address, length address.Length) ([]byte, error) {
	out := make([]byte, length.MustUsize())

	if err := f.forEachChunk(addr, length, func(base address.Address, chunkLen address.Length, outOff int) error {
		return f.readChunk(a, dtb, base, chunkLen, out[outOff:outOff+chunkLen.MustUsize()])
	}); err != nil {
		return nil, err
	}

	return out, nil
}

// VirtWrite is the write dual of VirtRead — the 32 MiB splitter the
// original source left unimplemented for virt_write (spec §9, resolved
// Open Question).
func (f *Facade) VirtWrite(a arch.ID, dtb, addr address.Address, data []byte) (address.Length, error) {
	var total uint64

	err := f.forEachChunk(addr, address.FromBytes(uint64(len(data))), func(base address.Address, chunkLen address.Length, outOff int) error {
		n, err := f.writeChunk(a, dtb, base, data[outOff:outOff+chunkLen.MustUsize()])
		total += n.Uint64()

		return err
	})

	return address.FromBytes(total), err
}

// forEachChunk splits [addr, addr+length) at chunkSize boundaries — the
// "larger of remote-transport chunk cap and aligned page boundary" rule
// collapses to a flat chunkSize stride since DefaultChunkSize is a multiple
// of every supported page size. New does not check a caller-supplied
// chunkSize for this; any other value is used as the stride as given.
func (f *Facade) forEachChunk(addr address.Address, length address.Length, do func(base address.Address, chunkLen address.Length, outOff int) error) error {
	total := length.Uint64()
	if total == 0 {
		return nil
	}

	var done uint64

	for done < total {
		remaining := total - done
		chunkLen := f.chunkSize
		if remaining < chunkLen {
			chunkLen = remaining
		}

		base, err := addr.Add(address.FromBytes(done))
		if err != nil {
			return err
		}

		if err := do(base, address.FromBytes(chunkLen), int(done)); err != nil {
			return err
		}

		done += chunkLen
	}

	return nil
}

// readChunk resolves one ≤chunkSize range into out via the VAT's batched
// per-page translation, leaving any faulting page's bytes untouched (spec
// §4.3's documented partial-success convention — invariant 3 in spec §8).
func (f *Facade) readChunk(a arch.ID, dtb, addr address.Address, length address.Length, out []byte) error {
	desc, err := arch.Get(a)
	if err != nil {
		return err
	}

	frags := pageFragments(desc.PageSize, addr, length)

	pages := make([]address.Address, len(frags))
	for i, fr := range frags {
		pages[i] = fr.pageBase
	}

	translations := f.vat.TranslateBatch(a, dtb, pages)

	reqs := make([]*mem.PhysicalReadData, 0, len(frags))
	reqFrag := make([]fragment, 0, len(frags))

	for i, t := range translations {
		if t.Err != nil {
			continue // page fault: leave out[frags[i].outOff:...] as-is (zero)
		}

		paddr, err := t.PAddr.Add(address.FromBytes(frags[i].pageOff))
		if err != nil {
			continue
		}

		reqs = append(reqs, &mem.PhysicalReadData{Addr: paddr, Buf: make([]byte, frags[i].length)})
		reqFrag = append(reqFrag, frags[i])
	}

	if len(reqs) == 0 {
		return nil
	}

	if err := f.phys.PhysReadBatch(reqs); err != nil {
		return fmt.Errorf("virtmem: physical read batch: %w", err)
	}

	for i, req := range reqs {
		if req.Err != nil {
			continue // per-fragment failure, leave destination bytes unmodified
		}

		copy(out[reqFrag[i].outOff:reqFrag[i].outOff+reqFrag[i].length], req.Buf)
	}

	return nil
}

// writeChunk is the write dual of readChunk.
func (f *Facade) writeChunk(a arch.ID, dtb, addr address.Address, data []byte) (address.Length, error) {
	desc, err := arch.Get(a)
	if err != nil {
		return 0, err
	}

	frags := pageFragments(desc.PageSize, addr, address.FromBytes(uint64(len(data))))

	pages := make([]address.Address, len(frags))
	for i, fr := range frags {
		pages[i] = fr.pageBase
	}

	translations := f.vat.TranslateBatch(a, dtb, pages)

	reqs := make([]*mem.PhysicalWriteData, 0, len(frags))

	for i, t := range translations {
		if t.Err != nil {
			continue
		}

		paddr, err := t.PAddr.Add(address.FromBytes(frags[i].pageOff))
		if err != nil {
			continue
		}

		reqs = append(reqs, &mem.PhysicalWriteData{Addr: paddr, Buf: data[frags[i].outOff : frags[i].outOff+frags[i].length]})
	}

	if len(reqs) == 0 {
		return 0, nil
	}

	if err := f.phys.PhysWriteBatch(reqs); err != nil {
		return 0, fmt.Errorf("virtmem: physical write batch: %w", err)
	}

	var total uint64
	for _, req := range reqs {
		if req.Err == nil {
			total += req.Written.Uint64()
		}
	}

	return address.FromBytes(total), nil
}

// ReadRegisters implements bridge.Backend for a Facade that has no register
// source of its own — the core's scope is memory, not CPU state (spec §1
// places register snapshotting with an external collaborator).
func (f *Facade) ReadRegisters() ([]byte, error) {
	return nil, fmt.Errorf("virtmem: register snapshot: %w", memerr.ErrUnsupported)
}

// PhysRead/PhysWrite let a Facade satisfy bridge.Backend's phys_read/
// phys_write messages directly against its own physical transport.
func (f *Facade) PhysRead(addr address.Address, length address.Length) ([]byte, error) {
	return f.phys.PhysRead(addr, length)
}

func (f *Facade) PhysWrite(addr address.Address, data []byte) (address.Length, error) {
	return f.phys.PhysWrite(addr, data)
}

// fragment is one page-aligned slice of a virtual range: [outOff,
// outOff+length) in the caller's buffer corresponds to pageOff bytes into
// the page based at pageBase.
type fragment struct {
	pageBase address.Address
	pageOff  uint64
	outOff   int
	length   int
}

// pageFragments splits [addr, addr+length) into per-page fragments at
// pageSize granularity.
func pageFragments(pageSize address.Length, addr address.Address, length address.Length) []fragment {
	var frags []fragment

	remaining := length.Uint64()
	cur := addr
	outOff := 0

	for remaining > 0 {
		pageBase := cur.AlignDown(pageSize)
		pageOff := cur.Uint64() - pageBase.Uint64()
		avail := pageSize.Uint64() - pageOff

		n := avail
		if remaining < n {
			n = remaining
		}

		frags = append(frags, fragment{pageBase: pageBase, pageOff: pageOff, outOff: outOff, length: int(n)})

		cur = cur.MustAdd(address.FromBytes(n))
		outOff += int(n)
		remaining -= n
	}

	return frags
}
