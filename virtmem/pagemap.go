// PageMap is a supplemented feature (SPEC_FULL.md §12, grounded on
// memflow-win32/examples/read_bench.rs's virt_page_map): it recursively
// walks the full page-table tree rooted at dtb and reports every mapped
// virtual range, coalescing runs separated by a gap no larger than the
// caller's threshold. Useful for a caller deciding what to read before it
// reads it, rather than probing addresses one at a time.
package virtmem

import (
	"encoding/binary"
	"sort"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
)

// Range is one mapped virtual range: [VAddr, VAddr+Length) backed starting
// at PAddr. A coalesced range's PAddr marks where the first sub-range in
// the run begins — the run is not guaranteed to be physically contiguous,
// only virtually contiguous.
type Range struct {
	VAddr  address.Address
	PAddr  address.Address
	Length address.Length
}

// PageMap walks dtb's page tables under architecture a and returns every
// mapped virtual range, merging adjacent ranges separated by at most gap
// (with gap 0, only ranges that touch are merged).
func (f *Facade) PageMap(a arch.ID, dtb address.Address, gap address.Length) ([]Range, error) {
	desc, err := arch.Get(a)
	if err != nil {
		return nil, err
	}

	var raw []Range

	if err := f.walkTable(desc, 0, dtb, 0, &raw); err != nil {
		return nil, err
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].VAddr < raw[j].VAddr })

	return coalesce(raw, gap), nil
}

// walkTable recurses one page-table level, reading the whole table in a
// single physical read and decoding every entry. A read failure or parse
// failure on an inner table is treated the way §4.6 treats a faulting
// kernel-structure pointer: skip that branch, keep walking its siblings,
// never abort the whole map.
func (f *Facade) walkTable(desc arch.Descriptor, levelIdx int, tableBase address.Address, vaPrefix uint64, out *[]Range) error {
	lvl := desc.Levels[levelIdx]
	entries := lvl.IndexMask + 1
	tableBytes := entries * uint64(lvl.EntrySize)

	raw, err := f.phys.PhysRead(tableBase, address.FromBytes(tableBytes))
	if err != nil {
		if levelIdx == 0 {
			return err
		}

		return nil // inner table unreadable: skip this branch only
	}

	for idx := uint64(0); idx < entries; idx++ {
		entry := decodeEntry(raw, idx, lvl.EntrySize)
		if !lvl.Present(entry) {
			continue
		}

		va := vaPrefix | (idx << lvl.Shift)

		if lvl.Large(entry) {
			*out = append(*out, Range{
				VAddr:  address.NewAddress(canonicalize(desc.ID, va)),
				PAddr:  lvl.LargeFrameBase(entry),
				Length: lvl.LargePageSize,
			})

			continue
		}

		if levelIdx == len(desc.Levels)-1 {
			*out = append(*out, Range{
				VAddr:  address.NewAddress(canonicalize(desc.ID, va)),
				PAddr:  lvl.TableBase(entry),
				Length: desc.PageSize,
			})

			continue
		}

		_ = f.walkTable(desc, levelIdx+1, lvl.TableBase(entry), va, out)
	}

	return nil
}

func decodeEntry(raw []byte, idx uint64, entrySize uint) uint64 {
	off := idx * uint64(entrySize)

	switch entrySize {
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw[off : off+4]))
	case 8:
		return binary.LittleEndian.Uint64(raw[off : off+8])
	default:
		return 0
	}
}

// canonicalize sign-extends an X64 virtual address from its bit-47 sign
// bit, matching the 48-bit canonical address form Windows kernel pointers
// use (e.g. 0xFFFFF800_...). X86 and X86-PAE addresses need no adjustment.
func canonicalize(id arch.ID, va uint64) uint64 {
	if id != arch.X64 {
		return va
	}

	if va&(1<<47) != 0 {
		return va | 0xFFFF_0000_0000_0000
	}

	return va &^ 0xFFFF_0000_0000_0000
}

// coalesce merges adjacent ranges in sorted-by-VAddr order whenever the
// gap between one range's end and the next's start is at most gap.
func coalesce(ranges []Range, gap address.Length) []Range {
	if len(ranges) == 0 {
		return ranges
	}

	out := []Range{ranges[0]}

	for _, r := range ranges[1:] {
		last := &out[len(out)-1]

		lastEnd, err := last.VAddr.Add(last.Length)
		if err != nil {
			out = append(out, r)

			continue
		}

		if r.VAddr.Uint64() > lastEnd.Uint64()+gap.Uint64() {
			out = append(out, r)

			continue
		}

		rEnd, err := r.VAddr.Add(r.Length)
		if err != nil || rEnd.Uint64() <= lastEnd.Uint64() {
			continue
		}

		newLen, err := rEnd.Sub(last.VAddr)
		if err != nil {
			continue
		}

		last.Length = newLen
	}

	return out
}
