package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/saferwall/pe"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/memerr"
)

// maxProcessWalk bounds the ActiveProcessLinks walk against a hostile or
// corrupted list (spec §4.6 invariant, testable property 7).
const maxProcessWalk = 4096

// kernelImageProbe is how much of the kernel image ProcessList reads to
// parse its export table and resolve PsActiveProcessHead.
const kernelImageProbe = 32 << 20

const psActiveProcessHead = "PsActiveProcessHead"

// ProcessInfo is spec §3's ProcessInfo: (PID, name, DTB, architecture, PEB,
// EPROCESS).
type ProcessInfo struct {
	PID      uint64
	Name     string
	DTB      address.Address
	Arch     arch.ID
	PEB      address.Address
	EPROCESS address.Address
	Wow64    bool
}

// ProcessList implements spec §4.6's process enumeration: resolve
// PsActiveProcessHead via the kernel image's export table, then walk
// ActiveProcessLinks, reading each _EPROCESS entry. A fault reading one
// entry skips that entry; the walk itself only stops on a fault it cannot
// recover from (the list pointer itself).
func (e *Engine) ProcessList() ([]ProcessInfo, error) {
	headAddr, err := e.psActiveProcessHead()
	if err != nil {
		return nil, err
	}

	firstNode, err := e.readPtr(headAddr, e.kernelDTB, e.kernelArch)
	if err != nil {
		return nil, fmt.Errorf("kernel: reading PsActiveProcessHead.Flink: %w", err)
	}

	var out []ProcessInfo

	visited := map[uint64]bool{headAddr.Uint64(): true}
	cur := firstNode

	for i := 0; i < maxProcessWalk && cur.Uint64() != headAddr.Uint64(); i++ {
		if visited[cur.Uint64()] {
			break // cycle that never routes back through the head: bail defensively
		}

		visited[cur.Uint64()] = true

		if cur.Uint64() < e.off.ActiveProcessLinks {
			break // node address too low to hold an _EPROCESS base: corrupt list
		}

		eprocessAddr := address.NewAddress(cur.Uint64() - e.off.ActiveProcessLinks)

		if info, ok := e.readProcess(eprocessAddr); ok {
			out = append(out, info)
		}

		next, err := e.readPtr(cur, e.kernelDTB, e.kernelArch)
		if err != nil {
			break
		}

		cur = next
	}

	return out, nil
}

// psActiveProcessHead parses the kernel image's export table to find the
// virtual address of the PsActiveProcessHead _LIST_ENTRY (spec §4.6 step
// 1). RVAs are used directly as offsets into the probed image, matching
// the scanner's own convention (spec §4.5) extended here for symmetry.
func (e *Engine) psActiveProcessHead() (address.Address, error) {
	img, err := e.vm.VirtRead(e.kernelArch, e.kernelDTB, e.kernelBase, address.FromBytes(kernelImageProbe))
	if err != nil {
		return 0, fmt.Errorf("kernel: reading kernel image: %w", err)
	}

	file, err := pe.NewBytes(img, &pe.Options{})
	if err != nil {
		return 0, fmt.Errorf("kernel: parsing kernel image: %w", err)
	}

	if err := file.Parse(); err != nil {
		return 0, fmt.Errorf("kernel: parsing kernel image: %w", err)
	}

	exportRVA, ok := dataDirectoryRVA(file.NtHeader.OptionalHeader, imageDirectoryEntryExport)
	if !ok || exportRVA == 0 {
		return 0, fmt.Errorf("kernel: kernel image has no export directory: %w", memerr.ErrParse)
	}

	symRVA, err := findExportRVA(img, exportRVA, psActiveProcessHead)
	if err != nil {
		return 0, err
	}

	return addrOff(e.kernelBase, uint64(symRVA))
}

// readProcess reads one _EPROCESS entry's fields. It returns ok=false
// (never an error) on any fault, per spec §4.6's "skip the entry, never
// abort the walk" invariant.
func (e *Engine) readProcess(eprocessAddr address.Address) (ProcessInfo, bool) {
	read := func(off, n uint64) ([]byte, bool) {
		addr, err := addrOff(eprocessAddr, off)
		if err != nil {
			return nil, false
		}

		data, err := e.vm.VirtRead(e.kernelArch, e.kernelDTB, addr, address.FromBytes(n))
		if err != nil || uint64(len(data)) < n {
			return nil, false
		}

		return data, true
	}

	pidBytes, ok := read(e.off.UniqueProcessId, 8)
	if !ok {
		return ProcessInfo{}, false
	}

	nameBytes, ok := read(e.off.ImageFileName, imageFileNameLen)
	if !ok {
		return ProcessInfo{}, false
	}

	dtbBytes, ok := read(e.off.DirectoryTableBase, 8)
	if !ok {
		return ProcessInfo{}, false
	}

	pebBytes, ok := read(e.off.Peb, 8)
	if !ok {
		return ProcessInfo{}, false
	}

	var wow64 bool
	if wowBytes, ok := read(e.off.Wow64Process, 8); ok {
		wow64 = binary.LittleEndian.Uint64(wowBytes) != 0
	}

	name := nameBytes
	for i, b := range name {
		if b == 0 {
			name = name[:i]

			break
		}
	}

	return ProcessInfo{
		PID:      binary.LittleEndian.Uint64(pidBytes),
		Name:     string(name),
		DTB:      address.NewAddress(binary.LittleEndian.Uint64(dtbBytes)),
		Arch:     e.kernelArch,
		PEB:      address.NewAddress(binary.LittleEndian.Uint64(pebBytes)),
		EPROCESS: eprocessAddr,
		Wow64:    wow64,
	}, true
}
