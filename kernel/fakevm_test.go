package kernel_test

import (
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
)

// fakeVM answers VirtRead straight out of an in-memory buffer, ignoring
// dtb/arch entirely — good enough to exercise the kernel package's own
// logic in isolation from the VAT, the way bridge_test.go's fakeBackend
// isolates the wire protocol from virtmem.
type fakeVM struct {
	base address.Address
	mem  []byte
}

func (f *fakeVM) VirtRead(_ arch.ID, _, addr address.Address, length address.Length) ([]byte, error) {
	if addr.Uint64() < f.base.Uint64() {
		return nil, fmt.Errorf("fakeVM: %s below base %s", addr, f.base)
	}

	off := addr.Uint64() - f.base.Uint64()
	n := length.Uint64()

	if off+n > uint64(len(f.mem)) {
		return nil, fmt.Errorf("fakeVM: [%#x, %#x) out of range", off, off+n)
	}

	out := make([]byte, n)
	copy(out, f.mem[off:off+n])

	return out, nil
}
