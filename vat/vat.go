// Package vat implements virtual address translation (spec §4.3, component
// C5): a software page-table walker parameterized over arch.Descriptor,
// backed by any mem.PhysicalMemory, with a translation cache and a batched
// multi-address walk for callers that need to resolve many pages against
// the same page-table root at once (kernel.ProcessList, virtmem.Facade's
// chunked reads).
package vat

import (
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/mem"
)

// VAT translates virtual addresses to physical ones for a given
// architecture and page-table root (dtb/CR3). It is safe for concurrent
// use: the cache is mutex-guarded and the underlying mem.PhysicalMemory is
// expected to be safe for concurrent reads (bridge.Client is, by
// serializing every request on its one connection).
type VAT struct {
	phys mem.PhysicalMemory
	tlb  *tlb
}

// New constructs a VAT over phys. tlbSize caps the number of cached
// translations; pass 0 for the default.
func New(phys mem.PhysicalMemory, tlbSize int) *VAT {
	return &VAT{phys: phys, tlb: newTLB(tlbSize)}
}

// Translate resolves vaddr under dtb for architecture a, consulting the
// cache first. It returns the physical address, the size of the page that
// mapping resolved through (4 KiB, or a large page size), and an error —
// typically a *memerr.PageFault — if no valid translation exists.
func (v *VAT) Translate(a arch.ID, dtb, vaddr address.Address) (address.Address, address.Length, error) {
	if e, ok := v.tlb.get(a, dtb, vaddr); ok {
		return e.paddr, e.pageSize, nil
	}

	desc, err := arch.Get(a)
	if err != nil {
		return 0, 0, err
	}

	paddr, pageSize, err := walk(v.phys, desc, dtb, vaddr)
	if err != nil {
		return 0, 0, fmt.Errorf("vat: translate %s: %w", vaddr, err)
	}

	v.tlb.put(a, dtb, vaddr, paddr, pageSize)

	return paddr, pageSize, nil
}

// TranslateBatch resolves many virtual addresses under the same dtb/arch.
// Cached hits are served immediately; misses are walked together via
// batchWalk so that page-table reads at the same level are coalesced into
// one PhysReadBatch call per level (spec §9's batching note). Every
// successfully-resolved miss is cached before returning.
func (v *VAT) TranslateBatch(a arch.ID, dtb address.Address, vaddrs []address.Address) []Translation {
	out := make([]Translation, len(vaddrs))
	missIdx := make([]int, 0, len(vaddrs))
	missAddrs := make([]address.Address, 0, len(vaddrs))

	for i, vaddr := range vaddrs {
		if e, ok := v.tlb.get(a, dtb, vaddr); ok {
			out[i] = Translation{VAddr: vaddr, PAddr: e.paddr, PageSize: e.pageSize}

			continue
		}

		missIdx = append(missIdx, i)
		missAddrs = append(missAddrs, vaddr)
	}

	if len(missAddrs) == 0 {
		return out
	}

	desc, err := arch.Get(a)
	if err != nil {
		for _, i := range missIdx {
			out[i] = Translation{VAddr: vaddrs[i], Err: err}
		}

		return out
	}

	resolved := batchWalk(v.phys, desc, dtb, missAddrs)

	for j, t := range resolved {
		i := missIdx[j]
		out[i] = t

		if t.Err == nil {
			v.tlb.put(a, dtb, t.VAddr, t.PAddr, t.PageSize)
		}
	}

	return out
}

// Invalidate drops every cached translation under dtb.
func (v *VAT) Invalidate(dtb address.Address) { v.tlb.invalidate(dtb) }
