package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/memerr"
)

// Engine implements the process & module engine (spec §4.6, component C8):
// it uses a VirtReader against the kernel's own DTB to find the process
// list, then against each process's own DTB to find its module list.
type Engine struct {
	vm         VirtReader
	kernelArch arch.ID
	kernelDTB  address.Address
	kernelBase address.Address
	off        Offsets
}

// NewEngine constructs an Engine. kernelBase is the ntoskrnl.exe image base
// FindNtoskrnl returned; off is the externally supplied offset table.
func NewEngine(vm VirtReader, a arch.ID, kernelDTB, kernelBase address.Address, off Offsets) *Engine {
	return &Engine{vm: vm, kernelArch: a, kernelDTB: kernelDTB, kernelBase: kernelBase, off: off}
}

// addrOff adds a byte offset to base, surfacing overflow rather than
// wrapping (address.Address's own invariant, spec §3).
func addrOff(base address.Address, off uint64) (address.Address, error) {
	return base.Add(address.FromBytes(off))
}

// readPtr reads one 8-byte pointer-sized field through the VAT.
func (e *Engine) readPtr(addr, dtb address.Address, a arch.ID) (address.Address, error) {
	data, err := e.vm.VirtRead(a, dtb, addr, address.FromBytes(8))
	if err != nil {
		return 0, err
	}

	if len(data) < 8 {
		return 0, fmt.Errorf("kernel: short read at %s: %w", addr, memerr.ErrParse)
	}

	return address.NewAddress(binary.LittleEndian.Uint64(data)), nil
}
