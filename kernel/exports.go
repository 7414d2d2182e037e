package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/saferwall/pe"

	"github.com/d-ank/memflow/memerr"
)

// imageDirectoryEntryExport is IMAGE_DIRECTORY_ENTRY_EXPORT.
const imageDirectoryEntryExport = 0

// exportDirectorySize is sizeof(IMAGE_EXPORT_DIRECTORY).
const exportDirectorySize = 40

// peExportDirectory is the decoded IMAGE_EXPORT_DIRECTORY. Every RVA field
// on it is used as a direct offset into the same buffer it was read from,
// never resolved through a section table (spec §4.5: "RVAs not
// resolved") — correct for an image read out of live virtual memory, where
// a section's virtual offset already matches its RVA.
type peExportDirectory struct {
	Name                  uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// dataDirectoryRVA extracts data directory entry idx from a parsed PE's
// OptionalHeader, which saferwall/pe exposes as the interface{} of either
// ImageOptionalHeader32 or ImageOptionalHeader64 depending on the image.
func dataDirectoryRVA(optionalHeader interface{}, idx int) (uint32, bool) {
	switch h := optionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		return h.DataDirectory[idx].VirtualAddress, true
	case pe.ImageOptionalHeader64:
		return h.DataDirectory[idx].VirtualAddress, true
	default:
		return 0, false
	}
}

// entryPointRVA mirrors dataDirectoryRVA for AddressOfEntryPoint.
func entryPointRVA(optionalHeader interface{}) (uint32, bool) {
	switch h := optionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		return h.AddressOfEntryPoint, true
	case pe.ImageOptionalHeader64:
		return h.AddressOfEntryPoint, true
	default:
		return 0, false
	}
}

func readExportDirectory(buf []byte, rva uint32) (peExportDirectory, error) {
	if uint64(rva)+exportDirectorySize > uint64(len(buf)) {
		return peExportDirectory{}, fmt.Errorf("kernel: export directory at rva %#x out of bounds: %w", rva, memerr.ErrParse)
	}

	b := buf[rva:]

	return peExportDirectory{
		Name:                  binary.LittleEndian.Uint32(b[12:16]),
		NumberOfNames:         binary.LittleEndian.Uint32(b[24:28]),
		AddressOfFunctions:    binary.LittleEndian.Uint32(b[28:32]),
		AddressOfNames:        binary.LittleEndian.Uint32(b[32:36]),
		AddressOfNameOrdinals: binary.LittleEndian.Uint32(b[36:40]),
	}, nil
}

func readRVAString(buf []byte, rva uint32) (string, error) {
	if uint64(rva) >= uint64(len(buf)) {
		return "", fmt.Errorf("kernel: string rva %#x out of bounds: %w", rva, memerr.ErrParse)
	}

	end := bytes.IndexByte(buf[rva:], 0)
	if end < 0 {
		return "", fmt.Errorf("kernel: unterminated string at rva %#x: %w", rva, memerr.ErrParse)
	}

	return string(buf[rva : uint64(rva)+uint64(end)]), nil
}

func readRVAU32(buf []byte, rva uint32) (uint32, error) {
	if uint64(rva)+4 > uint64(len(buf)) {
		return 0, fmt.Errorf("kernel: u32 rva %#x out of bounds: %w", rva, memerr.ErrParse)
	}

	return binary.LittleEndian.Uint32(buf[rva : rva+4]), nil
}

func readRVAU16(buf []byte, rva uint32) (uint16, error) {
	if uint64(rva)+2 > uint64(len(buf)) {
		return 0, fmt.Errorf("kernel: u16 rva %#x out of bounds: %w", rva, memerr.ErrParse)
	}

	return binary.LittleEndian.Uint16(buf[rva : rva+2]), nil
}

// findExportRVA resolves name to its function RVA by walking buf's export
// name table: AddressOfNames gives name RVAs, AddressOfNameOrdinals gives
// each name's index into AddressOfFunctions, in parallel arrays of
// dir.NumberOfNames entries.
func findExportRVA(buf []byte, exportRVA uint32, name string) (uint32, error) {
	dir, err := readExportDirectory(buf, exportRVA)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < dir.NumberOfNames; i++ {
		nameRVA, err := readRVAU32(buf, dir.AddressOfNames+i*4)
		if err != nil {
			continue
		}

		s, err := readRVAString(buf, nameRVA)
		if err != nil || s != name {
			continue
		}

		ordinal, err := readRVAU16(buf, dir.AddressOfNameOrdinals+i*2)
		if err != nil {
			continue
		}

		funcRVA, err := readRVAU32(buf, dir.AddressOfFunctions+uint32(ordinal)*4)
		if err != nil {
			continue
		}

		return funcRVA, nil
	}

	return 0, fmt.Errorf("kernel: export %q: %w", name, memerr.ErrNotFound)
}
