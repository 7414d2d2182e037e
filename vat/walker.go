// Software page-table walker (spec §4.3, component C5). Grounded on the
// teacher's machine.VtoP/GetTranslate error shape (a distinguished sentinel
// on an invalid translation) re-expressed as a multi-level software walk,
// since the teacher walks its own guest's tables only through the hardware
// MMU and has nothing to copy structurally beyond that error contract.
package vat

import (
	"encoding/binary"
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/mem"
	"github.com/d-ank/memflow/memerr"
)

// readEntry reads one page-table entry of the level's width at tableBase +
// index*entrySize.
func readEntry(phys mem.PhysicalMemory, tableBase address.Address, index uint64, lvl arch.Level) (uint64, error) {
	off := index * uint64(lvl.EntrySize)

	entryAddr, err := tableBase.Add(address.FromBytes(off))
	if err != nil {
		return 0, err
	}

	raw, err := phys.PhysRead(entryAddr, address.FromBytes(uint64(lvl.EntrySize)))
	if err != nil {
		return 0, err
	}

	if uint64(len(raw)) < uint64(lvl.EntrySize) {
		return 0, fmt.Errorf("vat: short entry read at %s: %w", entryAddr, memerr.ErrParse)
	}

	switch lvl.EntrySize {
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw)), nil
	case 8:
		return binary.LittleEndian.Uint64(raw), nil
	default:
		return 0, fmt.Errorf("vat: unsupported entry width %d: %w", lvl.EntrySize, memerr.ErrUnsupported)
	}
}

// walk performs one full software page-table walk of vaddr starting at dtb,
// returning the physical address it resolves to and the page size of the
// mapping that resolved it (spec §4.3's translate operation). It returns a
// memerr.PageFault when any level's entry is not present, and
// memerr.ErrParse if a table read comes back short (truncated image).
func walk(phys mem.PhysicalMemory, desc arch.Descriptor, dtb, vaddr address.Address) (address.Address, address.Length, error) {
	tableBase := dtb

	for i, lvl := range desc.Levels {
		index := lvl.Index(vaddr)

		entry, err := readEntry(phys, tableBase, index, lvl)
		if err != nil {
			return 0, 0, fmt.Errorf("vat: read level %d entry: %w", i, err)
		}

		if !lvl.Present(entry) {
			return 0, 0, &memerr.PageFault{VAddr: vaddr}
		}

		if lvl.Large(entry) {
			frame := lvl.LargeFrameBase(entry)
			offset := vaddr.Uint64() & lvl.PageOffsetMask()

			paddr, err := frame.Add(address.FromBytes(offset))
			if err != nil {
				return 0, 0, err
			}

			return paddr, lvl.LargePageSize, nil
		}

		tableBase = lvl.TableBase(entry)
	}

	offset := vaddr.Uint64() & desc.PageOffsetMask

	paddr, err := tableBase.Add(address.FromBytes(offset))
	if err != nil {
		return 0, 0, err
	}

	return paddr, desc.PageSize, nil
}
