// Package kernel implements the kernel scanner (spec §4.5, component C7)
// and the process/module engine (spec §4.6, component C8): finding
// ntoskrnl.exe in a guest's virtual address space, then walking its
// process list and each process's loaded-module list, all through the
// VAT/virtmem layers below — kernel never touches a physical transport or
// a page table directly.
package kernel

// Offsets is the externally supplied field-offset table spec §6 calls for:
// per-build constants naming where each field lives within the Windows
// kernel structures this package walks. Resolving these from a PDB or a
// symbol database is the external collaborator's job (spec §4.6); this
// package only ever applies them.
//
// Every offset below is relative to the structure spec §6 names it after,
// except the four _LDR_DATA_TABLE_ENTRY fields (BaseDllName, FullDllName,
// DllBase, SizeOfImage): spec §6 lists no separate
// InMemoryOrderLinks-within-entry offset, so — per this package's resolved
// Open Question (see DESIGN.md) — those four are relative to the
// InMemoryOrderModuleList list node itself, the same anchor Modules walks.
type Offsets struct {
	// _KPROCESS / _EPROCESS
	DirectoryTableBase uint64
	UniqueProcessId    uint64
	ImageFileName      uint64
	ActiveProcessLinks uint64
	Peb                uint64
	// Wow64Process is a supplemented field (SPEC_FULL.md §12): spec.md's
	// ProcessInfo carries a Wow64 flag but §6's offset list omits the
	// _EPROCESS field it comes from, so it is added here rather than
	// invented at read time.
	Wow64Process uint64

	// _PEB
	Ldr uint64

	// _PEB_LDR_DATA
	InLoadOrderModuleList   uint64
	InMemoryOrderModuleList uint64

	// _LDR_DATA_TABLE_ENTRY (node-relative; see doc comment above)
	BaseDllName uint64
	FullDllName uint64
	DllBase     uint64
	SizeOfImage uint64
}

// imageFileNameLen is _EPROCESS.ImageFileName's fixed width: a 15-byte
// ANSI field, NUL-padded, never NUL-terminated if the name fills it.
const imageFileNameLen = 15
