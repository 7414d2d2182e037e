package vat

import (
	"sync"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
)

// tlbCap is the default entry cap. There is no LRU library anywhere in the
// retrieved corpus (see DESIGN.md), so the cache below evicts in FIFO order
// instead of by recency — simpler than reimplementing one, and the miss
// penalty (one more page-table walk) is the same either way.
const tlbCap = 16384

type tlbKey struct {
	arch arch.ID
	dtb  address.Address
	page address.Address // vaddr AlignDown'd to the 4 KiB base page
}

type tlbEntry struct {
	paddr    address.Address
	pageSize address.Length
}

// tlb caches the outcome of a page-table walk keyed by (arch, dtb, base
// page). Entries are always keyed at 4 KiB granularity even when the walk
// that produced them terminated at a large page, so a large-page
// translation only ever populates the single 4 KiB slot it was asked for —
// neighboring pages within the same large mapping simply miss and re-walk.
// That trades away some hit rate for a cache with one key shape, which is
// enough to satisfy the coherence property tests check for (a hit always
// matches a fresh walk).
//
// What's stored per entry is the 4 KiB page-base physical frame, not the
// full offset-inclusive physical address a walk returns: two different
// offsets into the same 4 KiB page share a tlbKey, so storing the first
// query's full paddr would hand the second query back the wrong offset.
// get() re-applies the asked-for vaddr's low 12 bits to the cached frame on
// every lookup.
type tlb struct {
	mu      sync.Mutex
	entries map[tlbKey]tlbEntry
	order   []tlbKey
	cap     int
}

func newTLB(cap int) *tlb {
	if cap <= 0 {
		cap = tlbCap
	}

	return &tlb{entries: make(map[tlbKey]tlbEntry, cap), cap: cap}
}

func (t *tlb) keyFor(a arch.ID, dtb, vaddr address.Address) tlbKey {
	return tlbKey{arch: a, dtb: dtb, page: vaddr.AlignDown(address.FromKB(4))}
}

func (t *tlb) get(a arch.ID, dtb, vaddr address.Address) (tlbEntry, bool) {
	t.mu.Lock()
	e, ok := t.entries[t.keyFor(a, dtb, vaddr)]
	t.mu.Unlock()

	if !ok {
		return tlbEntry{}, false
	}

	off := vaddr.Uint64() & (address.FromKB(4).Uint64() - 1)

	paddr, err := e.paddr.Add(address.FromBytes(off))
	if err != nil {
		return tlbEntry{}, false
	}

	return tlbEntry{paddr: paddr, pageSize: e.pageSize}, true
}

func (t *tlb) put(a arch.ID, dtb, vaddr, paddr address.Address, pageSize address.Length) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.keyFor(a, dtb, vaddr)

	if _, exists := t.entries[k]; !exists {
		if len(t.order) >= t.cap {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.entries, oldest)
		}

		t.order = append(t.order, k)
	}

	t.entries[k] = tlbEntry{paddr: paddr.AlignDown(address.FromKB(4)), pageSize: pageSize}
}

// invalidate drops every cached entry for dtb, used when a caller knows a
// process's page tables changed underneath it (e.g. after a CR3 switch
// reuses a freed PFN).
func (t *tlb) invalidate(dtb address.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.order[:0]

	for _, k := range t.order {
		if k.dtb == dtb {
			delete(t.entries, k)

			continue
		}

		kept = append(kept, k)
	}

	t.order = kept
}
