// Package address provides the typed physical/virtual quantities shared by
// every other package in the tree: Address (a 64-bit memory location) and
// Length (a 64-bit byte count). Both are value types; arithmetic never
// silently wraps.
package address

import (
	"errors"
	"fmt"
	"math"
)

// ErrOverflow is returned whenever Address or Length arithmetic would wrap.
var ErrOverflow = errors.New("address: arithmetic overflow")

// ErrTooLargeForUsize is returned by Length.Usize on a 32-bit build when the
// value does not fit in the platform word.
var ErrTooLargeForUsize = errors.New("address: length exceeds platform usize")

// Address is an unsigned 64-bit quantity interpreted as either a physical or
// a virtual address depending on context.
type Address uint64

// Zero is the null address.
const Zero Address = 0

// NewAddress wraps a raw uint64 as an Address.
func NewAddress(v uint64) Address { return Address(v) }

// Uint64 returns the raw value.
func (a Address) Uint64() uint64 { return uint64(a) }

// IsNull reports whether a is the zero address.
func (a Address) IsNull() bool { return a == 0 }

// Add returns a+l, erroring on overflow.
func (a Address) Add(l Length) (Address, error) {
	sum := uint64(a) + uint64(l)
	if sum < uint64(a) {
		return 0, fmt.Errorf("%#x + %#x: %w", uint64(a), uint64(l), ErrOverflow)
	}

	return Address(sum), nil
}

// MustAdd is Add but panics on overflow; only use it with caller-verified
// bounds (tests, fixtures).
func (a Address) MustAdd(l Length) Address {
	r, err := a.Add(l)
	if err != nil {
		panic(err)
	}

	return r
}

// Sub returns the Length separating a from b (a-b), erroring if b > a.
func (a Address) Sub(b Address) (Length, error) {
	if b > a {
		return 0, fmt.Errorf("%#x - %#x: %w", uint64(a), uint64(b), ErrOverflow)
	}

	return Length(uint64(a) - uint64(b)), nil
}

// AlignDown masks off the low bits of a so that it sits on a pageSize
// boundary. pageSize must be a power of two.
func (a Address) AlignDown(pageSize Length) Address {
	mask := uint64(pageSize) - 1

	return Address(uint64(a) &^ mask)
}

// AlignUp rounds a up to the next pageSize boundary.
func (a Address) AlignUp(pageSize Length) (Address, error) {
	mask := uint64(pageSize) - 1
	aligned := (uint64(a) + mask) &^ mask

	if aligned < uint64(a) {
		return 0, fmt.Errorf("align up %#x to %#x: %w", uint64(a), uint64(pageSize), ErrOverflow)
	}

	return Address(aligned), nil
}

// String renders the address in the conventional 0x%x form.
func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Length is an unsigned 64-bit byte count.
type Length uint64

// FromBytes constructs a Length from a raw byte count.
func FromBytes(n uint64) Length { return Length(n) }

// FromKB constructs a Length from a count of 1024-byte kibibytes.
func FromKB(n uint64) Length { return Length(n * 1024) }

// FromMB constructs a Length from a count of mebibytes.
func FromMB(n uint64) Length { return Length(n * 1024 * 1024) }

// FromGB constructs a Length from a count of gibibytes.
func FromGB(n uint64) Length { return Length(n * 1024 * 1024 * 1024) }

// Uint64 returns the raw byte count.
func (l Length) Uint64() uint64 { return uint64(l) }

// Usize converts l to a native int, failing loudly if l exceeds the
// platform word (relevant on 32-bit builds; int is 64-bit on amd64/arm64).
func (l Length) Usize() (int, error) {
	if uint64(l) > math.MaxInt {
		return 0, fmt.Errorf("%#x: %w", uint64(l), ErrTooLargeForUsize)
	}

	return int(l), nil
}

// MustUsize is Usize but panics; only for caller-verified bounds.
func (l Length) MustUsize() int {
	n, err := l.Usize()
	if err != nil {
		panic(err)
	}

	return n
}

// String renders the length as a byte count.
func (l Length) String() string { return fmt.Sprintf("%#x", uint64(l)) }
