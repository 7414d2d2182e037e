package kernel

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
)

// maxModuleWalk bounds the InMemoryOrderModuleList walk the same way
// maxProcessWalk bounds ActiveProcessLinks.
const maxModuleWalk = 4096

// ModuleInfo is spec §3's ModuleInfo: (name, base, size, parent process).
// Process names the owning process by PID rather than embedding a
// ProcessInfo, so a ModuleInfo stays a plain value independent of its
// parent's lifetime.
type ModuleInfo struct {
	Name    string
	Base    address.Address
	Size    address.Length
	Process uint64
}

// Modules implements spec §4.6's module enumeration: swap to p's DTB, read
// PEB -> Ldr -> InMemoryOrderModuleList, and walk it.
func (e *Engine) Modules(p ProcessInfo) ([]ModuleInfo, error) {
	ldrFieldAddr, err := addrOff(p.PEB, e.off.Ldr)
	if err != nil {
		return nil, err
	}

	ldrPtr, err := e.readPtr(ldrFieldAddr, p.DTB, p.Arch)
	if err != nil {
		return nil, fmt.Errorf("kernel: reading PEB.Ldr: %w", err)
	}

	listHeadAddr, err := addrOff(ldrPtr, e.off.InMemoryOrderModuleList)
	if err != nil {
		return nil, err
	}

	firstNode, err := e.readPtr(listHeadAddr, p.DTB, p.Arch)
	if err != nil {
		return nil, fmt.Errorf("kernel: reading Ldr.InMemoryOrderModuleList: %w", err)
	}

	var out []ModuleInfo

	visited := map[uint64]bool{listHeadAddr.Uint64(): true}
	cur := firstNode

	for i := 0; i < maxModuleWalk && cur.Uint64() != listHeadAddr.Uint64(); i++ {
		if visited[cur.Uint64()] {
			break
		}

		visited[cur.Uint64()] = true

		if info, ok := e.readModule(cur, p.DTB, p.Arch, p.PID); ok {
			out = append(out, info)
		}

		next, err := e.readPtr(cur, p.DTB, p.Arch)
		if err != nil {
			break
		}

		cur = next
	}

	return out, nil
}

// readModule decodes one _LDR_DATA_TABLE_ENTRY, anchored at its
// InMemoryOrderLinks node (see Offsets' doc comment for why the per-entry
// fields are node-relative here).
func (e *Engine) readModule(entryAddr, dtb address.Address, a arch.ID, pid uint64) (ModuleInfo, bool) {
	read := func(off, n uint64) ([]byte, bool) {
		addr, err := addrOff(entryAddr, off)
		if err != nil {
			return nil, false
		}

		data, err := e.vm.VirtRead(a, dtb, addr, address.FromBytes(n))
		if err != nil || uint64(len(data)) < n {
			return nil, false
		}

		return data, true
	}

	dllBaseBytes, ok := read(e.off.DllBase, 8)
	if !ok {
		return ModuleInfo{}, false
	}

	sizeBytes, ok := read(e.off.SizeOfImage, 4)
	if !ok {
		return ModuleInfo{}, false
	}

	name, ok := e.readUnicodeString(entryAddr, dtb, a, e.off.BaseDllName)
	if !ok {
		name, ok = e.readUnicodeString(entryAddr, dtb, a, e.off.FullDllName)
		if !ok {
			return ModuleInfo{}, false
		}
	}

	return ModuleInfo{
		Name:    name,
		Base:    address.NewAddress(binary.LittleEndian.Uint64(dllBaseBytes)),
		Size:    address.FromBytes(uint64(binary.LittleEndian.Uint32(sizeBytes))),
		Process: pid,
	}, true
}

// readUnicodeString decodes a _UNICODE_STRING {Length u16, MaximumLength
// u16, [4 bytes padding], Buffer u64} header at entryAddr+off, then reads
// Length bytes of UTF-16LE from Buffer.
func (e *Engine) readUnicodeString(entryAddr, dtb address.Address, a arch.ID, off uint64) (string, bool) {
	addr, err := addrOff(entryAddr, off)
	if err != nil {
		return "", false
	}

	hdr, err := e.vm.VirtRead(a, dtb, addr, address.FromBytes(16))
	if err != nil || len(hdr) < 16 {
		return "", false
	}

	strLen := binary.LittleEndian.Uint16(hdr[0:2])
	if strLen == 0 {
		return "", false
	}

	bufPtr := address.NewAddress(binary.LittleEndian.Uint64(hdr[8:16]))

	data, err := e.vm.VirtRead(a, dtb, bufPtr, address.FromBytes(uint64(strLen)))
	if err != nil || uint64(len(data)) < uint64(strLen) {
		return "", false
	}

	return utf16leToString(data), true
}

func utf16leToString(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}

	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}

	return string(utf16.Decode(u))
}
