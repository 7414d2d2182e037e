// Package arch describes, per instruction set, the page-table geometry the
// virtual address translator needs to walk guest page tables: page size,
// pointer width, and the per-level index shift/mask/entry-size/large-page
// layout. It carries no behaviour of its own — vat reads the descriptor once
// per walk and specializes its loop against it, rather than dispatching
// per entry.
package arch

import (
	"errors"
	"fmt"

	"github.com/d-ank/memflow/address"
)

// ID tags the supported instruction sets.
type ID uint8

const (
	X86 ID = iota
	X86PAE
	X64
)

// ErrUnsupportedArch is returned when an ID has no known descriptor.
var ErrUnsupportedArch = errors.New("arch: unsupported architecture")

func (i ID) String() string {
	switch i {
	case X86:
		return "x86"
	case X86PAE:
		return "x86_pae"
	case X64:
		return "x64"
	default:
		return fmt.Sprintf("arch(%d)", uint8(i))
	}
}

// Level describes one level of a multi-level page-table walk.
type Level struct {
	// Shift is the bit position of this level's index field in the vaddr.
	Shift uint
	// IndexMask masks the shifted vaddr down to this level's index bits.
	IndexMask uint64
	// EntrySize is the width of a page-table entry at this level, in bytes.
	EntrySize uint
	// PresentBit is the present-bit mask within an entry.
	PresentBit uint64
	// LargeBit is the large-page (PS) bit mask within an entry; 0 if this
	// level can never terminate early with a large page.
	LargeBit uint64
	// FrameMask masks a non-large entry down to the next-level table base
	// it points at (always page-size aligned, regardless of this level's
	// own large-page granularity).
	FrameMask uint64
	// LargeFrameMask masks a large-page entry down to the physical frame
	// it points at. Zero if LargeBit is zero. Wider than FrameMask: a
	// large mapping's frame is aligned to LargePageSize, not to the base
	// page size.
	LargeFrameMask uint64
	// LargePageSize is the page size a large-page termination at this level
	// yields. Zero if LargeBit is zero.
	LargePageSize address.Length
}

// Descriptor is the complete per-architecture page-table shape.
type Descriptor struct {
	ID ID

	PageSize     address.Length
	PointerSize  uint // bytes
	Levels       []Level
	PageOffsetMask uint64 // mask for the low, in-page bits of a vaddr
}

// x64Descriptor: 4-level, 9-bit indices at shifts 39/30/21/12, 8-byte
// entries. Large pages: 1 GiB at L3 (PDPT), 2 MiB at L2 (PD).
var x64Descriptor = Descriptor{
	ID:             X64,
	PageSize:       address.FromKB(4),
	PointerSize:    8,
	PageOffsetMask: 0xFFF,
	Levels: []Level{
		{Shift: 39, IndexMask: 0x1FF, EntrySize: 8, PresentBit: 0x1, LargeBit: 0, FrameMask: 0x000F_FFFF_FFFF_F000},
		{Shift: 30, IndexMask: 0x1FF, EntrySize: 8, PresentBit: 0x1, LargeBit: 0x80, FrameMask: 0x000F_FFFF_FFFF_F000, LargeFrameMask: 0x000F_FFFF_C000_0000, LargePageSize: address.FromGB(1)},
		{Shift: 21, IndexMask: 0x1FF, EntrySize: 8, PresentBit: 0x1, LargeBit: 0x80, FrameMask: 0x000F_FFFF_FFFF_F000, LargeFrameMask: 0x000F_FFFF_FFE0_0000, LargePageSize: address.FromMB(2)},
		{Shift: 12, IndexMask: 0x1FF, EntrySize: 8, PresentBit: 0x1, LargeBit: 0, FrameMask: 0x000F_FFFF_FFFF_F000},
	},
}

// x86PAEDescriptor: 3-level hybrid — 2-bit PDPT index, then two 9-bit
// levels, 8-byte entries throughout. Large pages: 2 MiB at the PD level.
var x86PAEDescriptor = Descriptor{
	ID:             X86PAE,
	PageSize:       address.FromKB(4),
	PointerSize:    4,
	PageOffsetMask: 0xFFF,
	Levels: []Level{
		{Shift: 30, IndexMask: 0x3, EntrySize: 8, PresentBit: 0x1, LargeBit: 0, FrameMask: 0x000F_FFFF_FFFF_F000},
		{Shift: 21, IndexMask: 0x1FF, EntrySize: 8, PresentBit: 0x1, LargeBit: 0x80, FrameMask: 0x000F_FFFF_FFFF_F000, LargeFrameMask: 0x000F_FFFF_FFE0_0000, LargePageSize: address.FromMB(2)},
		{Shift: 12, IndexMask: 0x1FF, EntrySize: 8, PresentBit: 0x1, LargeBit: 0, FrameMask: 0x000F_FFFF_FFFF_F000},
	},
}

// x86Descriptor: 2-level, 10-bit indices at shifts 22/12, 4-byte entries.
// Large pages: 4 MiB at the PD level.
var x86Descriptor = Descriptor{
	ID:             X86,
	PageSize:       address.FromKB(4),
	PointerSize:    4,
	PageOffsetMask: 0xFFF,
	Levels: []Level{
		{Shift: 22, IndexMask: 0x3FF, EntrySize: 4, PresentBit: 0x1, LargeBit: 0x80, FrameMask: 0xFFFF_F000, LargeFrameMask: 0xFFC0_0000, LargePageSize: address.FromMB(4)},
		{Shift: 12, IndexMask: 0x3FF, EntrySize: 4, PresentBit: 0x1, LargeBit: 0, FrameMask: 0xFFFF_F000},
	},
}

// Get returns the descriptor for id, or ErrUnsupportedArch.
func Get(id ID) (Descriptor, error) {
	switch id {
	case X64:
		return x64Descriptor, nil
	case X86PAE:
		return x86PAEDescriptor, nil
	case X86:
		return x86Descriptor, nil
	default:
		return Descriptor{}, fmt.Errorf("%s: %w", id, ErrUnsupportedArch)
	}
}

// Index extracts the page-table index for vaddr at level l.
func (l Level) Index(vaddr address.Address) uint64 {
	return (vaddr.Uint64() >> l.Shift) & l.IndexMask
}

// PageOffsetMask returns the mask of in-page bits for a large-page
// termination at this level (i.e. everything below Shift).
func (l Level) PageOffsetMask() uint64 {
	return (uint64(1) << l.Shift) - 1
}

// TableBase returns the physical page-table base (or, for a level with no
// large bit, the final page frame) addressed by a raw non-large entry
// value, with flag bits masked off.
func (l Level) TableBase(entry uint64) address.Address {
	return address.NewAddress(entry & l.FrameMask)
}

// LargeFrameBase returns the physical frame addressed by a large-page
// entry, masked to that page size's alignment rather than the base page
// size Level.TableBase assumes.
func (l Level) LargeFrameBase(entry uint64) address.Address {
	return address.NewAddress(entry & l.LargeFrameMask)
}

// Present reports whether entry has the present bit set.
func (l Level) Present(entry uint64) bool {
	return entry&l.PresentBit != 0
}

// Large reports whether entry has the large-page bit set (always false for
// levels whose LargeBit is zero).
func (l Level) Large(entry uint64) bool {
	return l.LargeBit != 0 && entry&l.LargeBit != 0
}
