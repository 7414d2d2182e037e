// Package memerr defines the flat, tagged error taxonomy shared by every
// component that can fail against an untrusted external memory source.
// Callers use errors.Is/errors.As against these sentinels; components wrap
// them with fmt.Errorf("...: %w", ...) for context, following the sentinel
// idiom used throughout the teacher package (kvm.ErrorUnexpectedEXITReason,
// machine.ErrBadRegister).
package memerr

import (
	"errors"
	"fmt"

	"github.com/d-ank/memflow/address"
)

var (
	// ErrInvalidArgument flags a malformed caller-supplied argument (a bad
	// URL, an architecture the caller didn't configure, etc).
	ErrInvalidArgument = errors.New("memflow: invalid argument")

	// ErrUnsupported flags a feature this build/arch/platform doesn't
	// implement (e.g. unix sockets on a platform without them).
	ErrUnsupported = errors.New("memflow: unsupported")

	// ErrTransportLost flags a fatal, unrecoverable failure of the owning
	// transport handle. There is no automatic reconnection; the caller
	// must treat the handle as dead.
	ErrTransportLost = errors.New("memflow: transport lost")

	// ErrProtocolViolation flags a bridge peer that sent a malformed or
	// out-of-sequence frame.
	ErrProtocolViolation = errors.New("memflow: protocol violation")

	// ErrRemote wraps a remote-reported failure (RemoteError(kind) in
	// spec terms); see RemoteError below for the structured form.
	ErrRemote = errors.New("memflow: remote error")

	// ErrPageFault flags a virtual address with no valid translation.
	ErrPageFault = errors.New("memflow: page fault")

	// ErrOutOfRange flags a physical address beyond a transport's known
	// address space.
	ErrOutOfRange = errors.New("memflow: address out of range")

	// ErrParse flags a failure decoding a structure read from guest
	// memory (a PE header, an EPROCESS field, ...).
	ErrParse = errors.New("memflow: parse error")

	// ErrNotFound flags an exhausted search (no ntoskrnl candidate left,
	// no such process, ...).
	ErrNotFound = errors.New("memflow: not found")

	// ErrTimeout flags a per-connection timeout.
	ErrTimeout = errors.New("memflow: timeout")
)

// RemoteError is the structured form of spec.md's RemoteError(kind): a
// bridge server reported a failure of its own, identified by a short kind
// string and a human message.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// PageFault is the structured form of PageFault(vaddr).
type PageFault struct {
	VAddr address.Address
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("page fault at %s", e.VAddr)
}

func (e *PageFault) Unwrap() error { return ErrPageFault }

// OutOfRange is the structured form of OutOfRange(addr).
type OutOfRange struct {
	Addr address.Address
}

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("%s is out of range", e.Addr)
}

func (e *OutOfRange) Unwrap() error { return ErrOutOfRange }
