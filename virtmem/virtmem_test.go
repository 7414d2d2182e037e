package virtmem_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/mem"
	"github.com/d-ank/memflow/vat"
	"github.com/d-ank/memflow/virtmem"
)

const (
	pml4Base = 0x1000
	pdptBase = 0x2000
	pdBase   = 0x3000
	ptBase   = 0x4000

	frame0 = 0x10000 // vaddr 0x0000
	frame1 = 0x11000 // vaddr 0x1000
	// vaddr 0x2000 deliberately unmapped
	frame3 = 0x13000 // vaddr 0x3000
)

// buildFixture wires up pages 0, 1, and 3 (page 2 left absent) each filled
// with a distinct byte, and returns the backing buffer plus a Facade over
// it.
func buildFixture(t *testing.T) (*mem.Buffer, *virtmem.Facade) {
	t.Helper()

	buf := mem.NewBuffer(make([]byte, 0x20000))

	putEntry := func(tableBase, index, value uint64) {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, value)

		if _, err := buf.PhysWrite(address.NewAddress(tableBase+index*8), b); err != nil {
			t.Fatalf("putEntry: %v", err)
		}
	}

	fill := func(frameBase uint64, v byte) {
		if _, err := buf.PhysWrite(address.NewAddress(frameBase), bytes.Repeat([]byte{v}, 0x1000)); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}

	putEntry(pml4Base, 0, pdptBase|0x1)
	putEntry(pdptBase, 0, pdBase|0x1)
	putEntry(pdBase, 0, ptBase|0x1)
	putEntry(ptBase, 0, frame0|0x1)
	putEntry(ptBase, 1, frame1|0x1)
	// ptBase index 2 left zero: not present.
	putEntry(ptBase, 3, frame3|0x1)

	fill(frame0, 0xAA)
	fill(frame1, 0xBB)
	fill(frame3, 0xCC)

	v := vat.New(buf, 0)
	f := virtmem.New(v, buf, 0)

	return buf, f
}

func TestVirtReadFullyMapped(t *testing.T) {
	t.Parallel()

	_, f := buildFixture(t)

	got, err := f.VirtRead(arch.X64, address.NewAddress(pml4Base), address.NewAddress(0), address.FromBytes(0x2000))
	if err != nil {
		t.Fatalf("VirtRead: %v", err)
	}

	want := append(bytes.Repeat([]byte{0xAA}, 0x1000), bytes.Repeat([]byte{0xBB}, 0x1000)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("mapped range mismatch")
	}
}

func TestVirtReadMixedMappedUnmapped(t *testing.T) {
	t.Parallel()

	_, f := buildFixture(t)

	got, err := f.VirtRead(arch.X64, address.NewAddress(pml4Base), address.NewAddress(0), address.FromBytes(0x4000))
	if err != nil {
		t.Fatalf("VirtRead: %v", err)
	}

	if !bytes.Equal(got[0:0x1000], bytes.Repeat([]byte{0xAA}, 0x1000)) {
		t.Fatalf("page 0 mismatch")
	}

	if !bytes.Equal(got[0x1000:0x2000], bytes.Repeat([]byte{0xBB}, 0x1000)) {
		t.Fatalf("page 1 mismatch")
	}

	for i, b := range got[0x2000:0x3000] {
		if b != 0 {
			t.Fatalf("unmapped page byte %d: got %#x, want 0", i, b)
		}
	}

	if !bytes.Equal(got[0x3000:0x4000], bytes.Repeat([]byte{0xCC}, 0x1000)) {
		t.Fatalf("page 3 mismatch")
	}
}

func TestVirtWriteRoundTrip(t *testing.T) {
	t.Parallel()

	_, f := buildFixture(t)

	dtb := address.NewAddress(pml4Base)
	data := bytes.Repeat([]byte{0xEE}, 0x2000)

	n, err := f.VirtWrite(arch.X64, dtb, address.NewAddress(0), data)
	if err != nil {
		t.Fatalf("VirtWrite: %v", err)
	}

	if n.Uint64() != uint64(len(data)) {
		t.Fatalf("wrote %d, want %d", n.Uint64(), len(data))
	}

	got, err := f.VirtRead(arch.X64, dtb, address.NewAddress(0), address.FromBytes(uint64(len(data))))
	if err != nil {
		t.Fatalf("VirtRead: %v", err)
	}

	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestPageMapSeparatesFarRanges(t *testing.T) {
	t.Parallel()

	_, f := buildFixture(t)

	ranges, err := f.PageMap(arch.X64, address.NewAddress(pml4Base), address.FromBytes(0))
	if err != nil {
		t.Fatalf("PageMap: %v", err)
	}

	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2: %+v", len(ranges), ranges)
	}

	if ranges[0].VAddr.Uint64() != 0 || ranges[0].Length.Uint64() != 0x2000 {
		t.Fatalf("range 0: got %+v", ranges[0])
	}

	if ranges[1].VAddr.Uint64() != 0x3000 || ranges[1].Length.Uint64() != 0x1000 {
		t.Fatalf("range 1: got %+v", ranges[1])
	}
}

func TestPageMapCoalescesWithinGap(t *testing.T) {
	t.Parallel()

	_, f := buildFixture(t)

	ranges, err := f.PageMap(arch.X64, address.NewAddress(pml4Base), address.FromBytes(0x1000))
	if err != nil {
		t.Fatalf("PageMap: %v", err)
	}

	if len(ranges) != 1 {
		t.Fatalf("got %d ranges, want 1: %+v", len(ranges), ranges)
	}

	if ranges[0].VAddr.Uint64() != 0 || ranges[0].Length.Uint64() != 0x4000 {
		t.Fatalf("got %+v", ranges[0])
	}
}
