// Batched translation (spec §4.3/§9): many virtual addresses sharing one
// dtb/arch are walked in lockstep, one physical read per page-table level
// per round instead of one per address — the "two-phase loop, not
// continuation chaining" shape DESIGN NOTES calls for: phase one collects
// every walk still active at the current level into a single
// mem.PhysicalMemory.PhysReadBatch call, phase two advances each walk (or
// retires it with a result) before the next round's collection phase.
package vat

import (
	"encoding/binary"
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/mem"
	"github.com/d-ank/memflow/memerr"
)

// Translation is the outcome of translating one virtual address: either a
// resolved (PAddr, PageSize) pair, or Err set to a memerr.PageFault (or
// another transport-level failure) for that address alone — a batch never
// fails as a whole because one address in it could not be translated.
type Translation struct {
	VAddr    address.Address
	PAddr    address.Address
	PageSize address.Length
	Err      error
}

type walkState struct {
	vaddr     address.Address
	tableBase address.Address
	levelIdx  int
	done      bool
	result    Translation
}

// batchWalk walks every vaddr against the same dtb/desc concurrently, level
// by level, amortizing one physical batch read per level instead of one
// read per address per level — and, within a level, issuing only one read
// per distinct table entry address, so walks sharing a page-table prefix
// (the common case: many addresses in one process under the same upper
// levels) read that shared entry once rather than once per walk.
func batchWalk(phys mem.PhysicalMemory, desc arch.Descriptor, dtb address.Address, vaddrs []address.Address) []Translation {
	states := make([]*walkState, len(vaddrs))
	for i, v := range vaddrs {
		states[i] = &walkState{vaddr: v, tableBase: dtb}
	}

	for levelIdx, lvl := range desc.Levels {
		active := activeStates(states, levelIdx)
		if len(active) == 0 {
			break
		}

		// Walks that share a page-table prefix (e.g. every address in the
		// same process under the same PML4/PDPT entry) ask for the exact
		// same entryAddr at this level — dedup them into one
		// PhysicalReadData and fan the single read back out to every
		// sharing walk (spec §4.3/§9: "those entries are read once").
		byAddr := make(map[address.Address][]*walkState, len(active))
		order := make([]address.Address, 0, len(active))

		for _, st := range active {
			index := lvl.Index(st.vaddr)
			off := index * uint64(lvl.EntrySize)

			entryAddr, err := st.tableBase.Add(address.FromBytes(off))
			if err != nil {
				st.retire(Translation{VAddr: st.vaddr, Err: err})

				continue
			}

			if _, seen := byAddr[entryAddr]; !seen {
				order = append(order, entryAddr)
			}

			byAddr[entryAddr] = append(byAddr[entryAddr], st)
		}

		reqs := make([]*mem.PhysicalReadData, 0, len(order))
		for _, addr := range order {
			reqs = append(reqs, &mem.PhysicalReadData{Addr: addr, Buf: make([]byte, lvl.EntrySize)})
		}

		if err := phys.PhysReadBatch(reqs); err != nil {
			for _, addr := range order {
				for _, st := range byAddr[addr] {
					st.retire(Translation{VAddr: st.vaddr, Err: err})
				}
			}

			break
		}

		for i, addr := range order {
			for _, st := range byAddr[addr] {
				if st.done {
					continue
				}

				advanceState(st, reqs[i], lvl, levelIdx)
			}
		}
	}

	out := make([]Translation, len(states))

	for i, st := range states {
		if st.done {
			out[i] = st.result

			continue
		}

		// Every level present but never terminated large: the walk ran
		// off the end of desc.Levels, meaning the final entry pointed at
		// a plain 4 KiB page. Compute the last offset the same way the
		// single-address walk does.
		offset := st.vaddr.Uint64() & desc.PageOffsetMask

		paddr, err := st.tableBase.Add(address.FromBytes(offset))
		if err != nil {
			out[i] = Translation{VAddr: st.vaddr, Err: err}

			continue
		}

		out[i] = Translation{VAddr: st.vaddr, PAddr: paddr, PageSize: desc.PageSize}
	}

	return out
}

func activeStates(states []*walkState, levelIdx int) []*walkState {
	var active []*walkState

	for _, st := range states {
		if !st.done && st.levelIdx == levelIdx {
			active = append(active, st)
		}
	}

	return active
}

func (st *walkState) retire(t Translation) {
	st.done = true
	st.result = t
}

func advanceState(st *walkState, req *mem.PhysicalReadData, lvl arch.Level, levelIdx int) {
	if req.Err != nil {
		st.retire(Translation{VAddr: st.vaddr, Err: req.Err})

		return
	}

	var entry uint64

	switch lvl.EntrySize {
	case 4:
		entry = uint64(binary.LittleEndian.Uint32(req.Buf))
	case 8:
		entry = binary.LittleEndian.Uint64(req.Buf)
	default:
		st.retire(Translation{VAddr: st.vaddr, Err: fmt.Errorf("vat: unsupported entry width %d: %w", lvl.EntrySize, memerr.ErrUnsupported)})

		return
	}

	if !lvl.Present(entry) {
		st.retire(Translation{VAddr: st.vaddr, Err: &memerr.PageFault{VAddr: st.vaddr}})

		return
	}

	if lvl.Large(entry) {
		frame := lvl.LargeFrameBase(entry)
		offset := st.vaddr.Uint64() & lvl.PageOffsetMask()

		paddr, err := frame.Add(address.FromBytes(offset))
		if err != nil {
			st.retire(Translation{VAddr: st.vaddr, Err: err})

			return
		}

		st.retire(Translation{VAddr: st.vaddr, PAddr: paddr, PageSize: lvl.LargePageSize})

		return
	}

	st.tableBase = lvl.TableBase(entry)
	st.levelIdx = levelIdx + 1
}
