package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/memerr"
)

// encodePhysReadReq: address u64, length u64.
func encodePhysReadReq(addr address.Address, length address.Length) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], addr.Uint64())
	binary.BigEndian.PutUint64(b[8:16], length.Uint64())

	return b
}

func decodePhysReadReq(p []byte) (address.Address, address.Length, error) {
	if len(p) != 16 {
		return 0, 0, fmt.Errorf("phys_read: bad request length %d: %w", len(p), memerr.ErrProtocolViolation)
	}

	return address.NewAddress(binary.BigEndian.Uint64(p[0:8])), address.FromBytes(binary.BigEndian.Uint64(p[8:16])), nil
}

// encodePhysWriteReq: address u64 followed by data.
func encodePhysWriteReq(addr address.Address, data []byte) []byte {
	b := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(b[0:8], addr.Uint64())
	copy(b[8:], data)

	return b
}

func decodePhysWriteReq(p []byte) (address.Address, []byte, error) {
	if len(p) < 8 {
		return 0, nil, fmt.Errorf("phys_write: bad request length %d: %w", len(p), memerr.ErrProtocolViolation)
	}

	return address.NewAddress(binary.BigEndian.Uint64(p[0:8])), p[8:], nil
}

// encodeLengthReply: a single u64, used for phys_write/virt_write replies.
func encodeLengthReply(l address.Length) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, l.Uint64())

	return b
}

func decodeLengthReply(p []byte) (address.Length, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("bad length reply %d bytes: %w", len(p), memerr.ErrProtocolViolation)
	}

	return address.FromBytes(binary.BigEndian.Uint64(p)), nil
}

// encodeVirtReadReq: arch u8, dtb u64, address u64, length u64.
func encodeVirtReadReq(a arch.ID, dtb, addr address.Address, length address.Length) []byte {
	b := make([]byte, 25)
	b[0] = byte(a)
	binary.BigEndian.PutUint64(b[1:9], dtb.Uint64())
	binary.BigEndian.PutUint64(b[9:17], addr.Uint64())
	binary.BigEndian.PutUint64(b[17:25], length.Uint64())

	return b
}

func decodeVirtReadReq(p []byte) (arch.ID, address.Address, address.Address, address.Length, error) {
	if len(p) != 25 {
		return 0, 0, 0, 0, fmt.Errorf("virt_read: bad request length %d: %w", len(p), memerr.ErrProtocolViolation)
	}

	return arch.ID(p[0]),
		address.NewAddress(binary.BigEndian.Uint64(p[1:9])),
		address.NewAddress(binary.BigEndian.Uint64(p[9:17])),
		address.FromBytes(binary.BigEndian.Uint64(p[17:25])),
		nil
}

// encodeVirtWriteReq: arch u8, dtb u64, address u64, then data.
func encodeVirtWriteReq(a arch.ID, dtb, addr address.Address, data []byte) []byte {
	b := make([]byte, 17+len(data))
	b[0] = byte(a)
	binary.BigEndian.PutUint64(b[1:9], dtb.Uint64())
	binary.BigEndian.PutUint64(b[9:17], addr.Uint64())
	copy(b[17:], data)

	return b
}

func decodeVirtWriteReq(p []byte) (arch.ID, address.Address, address.Address, []byte, error) {
	if len(p) < 17 {
		return 0, 0, 0, nil, fmt.Errorf("virt_write: bad request length %d: %w", len(p), memerr.ErrProtocolViolation)
	}

	return arch.ID(p[0]),
		address.NewAddress(binary.BigEndian.Uint64(p[1:9])),
		address.NewAddress(binary.BigEndian.Uint64(p[9:17])),
		p[17:],
		nil
}
