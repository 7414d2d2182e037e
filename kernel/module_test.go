package kernel_test

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/kernel"
)

func writeUnicodeString(buf []byte, hdrAddr uint64, s string, bufAddr uint64) {
	u := utf16.Encode([]rune(s))

	raw := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(raw[i*2:], c)
	}

	copy(buf[bufAddr:], raw)

	binary.LittleEndian.PutUint16(buf[hdrAddr:], uint16(len(raw)))
	binary.LittleEndian.PutUint16(buf[hdrAddr+2:], uint16(len(raw)))
	binary.LittleEndian.PutUint64(buf[hdrAddr+8:], bufAddr)
}

// TestModulesWalksInMemoryOrderModuleList exercises the PEB -> Ldr ->
// InMemoryOrderModuleList walk against a two-entry synthetic list.
func TestModulesWalksInMemoryOrderModuleList(t *testing.T) {
	t.Parallel()

	const (
		pebAddr   = 0x100
		ldrAddr   = 0x200
		listHead  = ldrAddr + 0x20
		node1Addr = 0x300
		node2Addr = 0x400
		str1Addr  = 0x500
		str2Addr  = 0x540
	)

	off := kernel.Offsets{
		Ldr:                     0x18,
		InMemoryOrderModuleList: 0x20,
		DllBase:                 0x10,
		SizeOfImage:             0x20,
		BaseDllName:             0x30,
	}

	buf := make([]byte, 0x1000)

	// PEB.Ldr -> ldrAddr.
	binary.LittleEndian.PutUint64(buf[pebAddr+off.Ldr:], ldrAddr)
	// Ldr.InMemoryOrderModuleList head.Flink -> node1.
	binary.LittleEndian.PutUint64(buf[listHead:], node1Addr)

	// node1.Flink -> node2, node2.Flink -> listHead (terminates the walk).
	binary.LittleEndian.PutUint64(buf[node1Addr:], node2Addr)
	binary.LittleEndian.PutUint64(buf[node2Addr:], listHead)

	binary.LittleEndian.PutUint64(buf[node1Addr+off.DllBase:], 0x7ffe0000)
	binary.LittleEndian.PutUint32(buf[node1Addr+off.SizeOfImage:], 0x15000)
	writeUnicodeString(buf, node1Addr+off.BaseDllName, "ntdll.dll", str1Addr)

	binary.LittleEndian.PutUint64(buf[node2Addr+off.DllBase:], 0x7ffe3000)
	binary.LittleEndian.PutUint32(buf[node2Addr+off.SizeOfImage:], 0xb0000)
	writeUnicodeString(buf, node2Addr+off.BaseDllName, "kernel32.dll", str2Addr)

	vm := &fakeVM{base: address.NewAddress(0), mem: buf}
	e := kernel.NewEngine(vm, arch.X64, address.NewAddress(0x1a9000), address.NewAddress(0x10000), off)

	p := kernel.ProcessInfo{
		PID:  1234,
		Name: "notepad.exe",
		DTB:  address.NewAddress(0x1ac000),
		Arch: arch.X64,
		PEB:  address.NewAddress(pebAddr),
	}

	mods, err := e.Modules(p)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}

	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2: %+v", len(mods), mods)
	}

	if mods[0].Name != "ntdll.dll" || mods[0].Base.Uint64() != 0x7ffe0000 {
		t.Errorf("module 0: got %+v", mods[0])
	}

	if mods[1].Name != "kernel32.dll" || mods[1].Base.Uint64() != 0x7ffe3000 {
		t.Errorf("module 1: got %+v", mods[1])
	}

	for _, m := range mods {
		if m.Process != 1234 {
			t.Errorf("module %q: got Process %d, want 1234", m.Name, m.Process)
		}
	}
}

// TestModulesTerminatesOnCycle mirrors the process-list cycle test for the
// module walk: a list that loops without returning to its head must still
// terminate the walk.
func TestModulesTerminatesOnCycle(t *testing.T) {
	t.Parallel()

	const (
		pebAddr   = 0x100
		ldrAddr   = 0x200
		listHead  = ldrAddr + 0x20
		node1Addr = 0x300
		node2Addr = 0x400
	)

	off := kernel.Offsets{
		Ldr:                     0x18,
		InMemoryOrderModuleList: 0x20,
		DllBase:                 0x10,
		SizeOfImage:             0x20,
		BaseDllName:             0x30,
	}

	buf := make([]byte, 0x1000)

	binary.LittleEndian.PutUint64(buf[pebAddr+off.Ldr:], ldrAddr)
	binary.LittleEndian.PutUint64(buf[listHead:], node1Addr)

	// node1 <-> node2 cycle, never routes back through listHead.
	binary.LittleEndian.PutUint64(buf[node1Addr:], node2Addr)
	binary.LittleEndian.PutUint64(buf[node2Addr:], node1Addr)

	writeUnicodeString(buf, node1Addr+off.BaseDllName, "a.dll", 0x500)
	writeUnicodeString(buf, node2Addr+off.BaseDllName, "b.dll", 0x540)

	vm := &fakeVM{base: address.NewAddress(0), mem: buf}
	e := kernel.NewEngine(vm, arch.X64, address.NewAddress(0x1a9000), address.NewAddress(0x10000), off)

	p := kernel.ProcessInfo{PID: 1, Arch: arch.X64, PEB: address.NewAddress(pebAddr)}

	mods, err := e.Modules(p)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}

	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2: %+v", len(mods), mods)
	}
}
