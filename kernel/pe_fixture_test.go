package kernel_test

import "encoding/binary"

// namedExport is one entry kernel_test's synthetic PE builder exports by
// name, resolving to a caller-chosen RVA (the target symbol's own address,
// e.g. PsActiveProcessHead's _LIST_ENTRY).
type namedExport struct {
	name string
	rva  uint32
}

// buildPE writes a minimal x64 PE image into buf starting at offset 0: DOS
// header, POOLCODE magic, NT/Optional headers, one section spanning the
// whole buffer (VirtualAddress == PointerToRawData == 0, so every RVA this
// package follows coincides with a direct buffer offset — spec §4.5's "RVAs
// not resolved" convention), and an export directory naming the image
// dllName with the given named exports.
func buildPE(buf []byte, dllName string, exports []namedExport, exportDirRVA uint32) {
	const (
		ntHeaderOff       = 0x80
		fileHeaderOff     = ntHeaderOff + 4
		optHeaderOff      = fileHeaderOff + 20
		sectionTableOff   = optHeaderOff + 240
		sectionHeaderSize = 40
	)

	// DOS header: "MZ" then e_lfanew.
	binary.LittleEndian.PutUint16(buf[0:2], 0x5a4d)
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], ntHeaderOff)

	// POOLCODE magic, 8-byte aligned within the first page.
	binary.LittleEndian.PutUint64(buf[0x200:0x208], 0x45444f434c4f4f50)

	// NT header signature "PE\0\0".
	copy(buf[ntHeaderOff:ntHeaderOff+4], []byte{'P', 'E', 0, 0})

	// IMAGE_FILE_HEADER.
	binary.LittleEndian.PutUint16(buf[fileHeaderOff:], 0x8664) // Machine: AMD64
	binary.LittleEndian.PutUint16(buf[fileHeaderOff+2:], 1)    // NumberOfSections
	binary.LittleEndian.PutUint16(buf[fileHeaderOff+16:], 240) // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(buf[fileHeaderOff+18:], 0x22)

	// IMAGE_OPTIONAL_HEADER64.
	binary.LittleEndian.PutUint16(buf[optHeaderOff:], 0x20b) // Magic: PE32+
	binary.LittleEndian.PutUint32(buf[optHeaderOff+16:], 0x1000)
	binary.LittleEndian.PutUint64(buf[optHeaderOff+24:], 0xFFFFF80000000000) // ImageBase
	binary.LittleEndian.PutUint32(buf[optHeaderOff+32:], 0x1000)             // SectionAlignment
	binary.LittleEndian.PutUint32(buf[optHeaderOff+36:], 0x200)              // FileAlignment
	binary.LittleEndian.PutUint32(buf[optHeaderOff+56:], uint32(len(buf)))   // SizeOfImage
	binary.LittleEndian.PutUint32(buf[optHeaderOff+60:], sectionTableOff+sectionHeaderSize)
	binary.LittleEndian.PutUint16(buf[optHeaderOff+68:], 1)  // Subsystem
	binary.LittleEndian.PutUint32(buf[optHeaderOff+108:], 16) // NumberOfRvaAndSizes

	dataDirOff := optHeaderOff + 112
	binary.LittleEndian.PutUint32(buf[dataDirOff:], exportDirRVA)
	binary.LittleEndian.PutUint32(buf[dataDirOff+4:], 0x400)

	// One section, identity-mapped over the whole buffer.
	copy(buf[sectionTableOff:], []byte(".text\x00\x00"))
	binary.LittleEndian.PutUint32(buf[sectionTableOff+8:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[sectionTableOff+12:], 0)
	binary.LittleEndian.PutUint32(buf[sectionTableOff+16:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[sectionTableOff+20:], 0)
	binary.LittleEndian.PutUint32(buf[sectionTableOff+36:], 0x60000020)

	// Export directory.
	numNames := uint32(len(exports))
	namesArrayRVA := exportDirRVA + 0x40
	ordArrayRVA := namesArrayRVA + numNames*4
	funcArrayRVA := ordArrayRVA + numNames*2
	stringsRVA := funcArrayRVA + numNames*4 + 0x20

	dllNameRVA := stringsRVA
	copy(buf[dllNameRVA:], dllName)
	off := dllNameRVA + uint32(len(dllName)) + 1

	binary.LittleEndian.PutUint32(buf[exportDirRVA+12:], dllNameRVA) // Name
	binary.LittleEndian.PutUint32(buf[exportDirRVA+24:], numNames)   // NumberOfNames
	binary.LittleEndian.PutUint32(buf[exportDirRVA+28:], funcArrayRVA)
	binary.LittleEndian.PutUint32(buf[exportDirRVA+32:], namesArrayRVA)
	binary.LittleEndian.PutUint32(buf[exportDirRVA+36:], ordArrayRVA)

	for i, exp := range exports {
		nameStrRVA := off
		copy(buf[off:], exp.name)
		off += uint32(len(exp.name)) + 1

		binary.LittleEndian.PutUint32(buf[namesArrayRVA+uint32(i)*4:], nameStrRVA)
		binary.LittleEndian.PutUint16(buf[ordArrayRVA+uint32(i)*2:], uint16(i))
		binary.LittleEndian.PutUint32(buf[funcArrayRVA+uint32(i)*4:], exp.rva)
	}
}
