package smc_patcher

// This file contains the subset of 64-bit ELF parsing needed to find
// relocation sections in an image: the file header, the section header table
// and section names. Only 64-bit files are handled.

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	ELFTypeRelocatable         = 1
	ELFTypeExecutable          = 2
	ELFTypeShared              = 3
	ELFTypeCore                = 4
	MachineTypeX86             = 0x03
	MachineTypeAMD64           = 0x3e
	MachineTypeARM64           = 0xb7
	NullSection                = 0
	BitsSection                = 1
	SymbolTableSection         = 2
	StringTableSection         = 3
	RelaSection                = 4
	HashSection                = 5
	DynamicLinkingTableSection = 6
	NoteSection                = 7
	UninitializedSection       = 8
	RelSection                 = 9
	DynamicLoaderSymbolSection = 11
)

// The four bytes at the start of every ELF file.
var ELFMagic = []byte{0x7f, 'E', 'L', 'F'}

type ELFFileType uint16

func (t ELFFileType) String() string {
	switch t {
	case ELFTypeRelocatable:
		return "relocatable file"
	case ELFTypeExecutable:
		return "executable file"
	case ELFTypeShared:
		return "shared file"
	case ELFTypeCore:
		return "core file"
	}
	return fmt.Sprintf("unkown ELF type: %d", uint16(t))
}

type MachineType uint16

func (t MachineType) String() string {
	switch t {
	case 0:
		return "unspecified machine type"
	case MachineTypeX86:
		return "x86"
	case MachineTypeAMD64:
		return "AMD64"
	case MachineTypeARM64:
		return "ARM64"
	}
	return fmt.Sprintf("unknown machine type: 0x%02x", uint16(t))
}

// The header structure for 64-bit ELF files.
type ELF64Header struct {
	Signature              uint32
	Class                  uint8
	Endianness             uint8
	Version                uint8
	OSABI                  uint8
	EABI                   uint8
	Padding                [7]uint8
	Type                   ELFFileType
	Machine                MachineType
	Version2               uint32
	EntryPoint             uint64
	ProgramHeaderOffset    uint64
	SectionHeaderOffset    uint64
	Flags                  uint32
	HeaderSize             uint16
	ProgramHeaderEntrySize uint16
	ProgramHeaderEntries   uint16
	SectionHeaderEntrySize uint16
	SectionHeaderEntries   uint16
	SectionNamesTable      uint16
}

func (h *ELF64Header) String() string {
	return fmt.Sprintf("64-bit ELF %s for %s, %d sections at offset 0x%x",
		h.Type, h.Machine, h.SectionHeaderEntries, h.SectionHeaderOffset)
}

type SectionHeaderType uint32

func (ht SectionHeaderType) String() string {
	// Prevent printf recursion.
	t := uint32(ht)
	switch t {
	case NullSection:
		return "unused section"
	case BitsSection:
		return "bits section"
	case SymbolTableSection:
		return "symbol table"
	case StringTableSection:
		return "string table"
	case RelaSection:
		return "relocation entries with addends"
	case HashSection:
		return "symbol hash table"
	case DynamicLinkingTableSection:
		return "dynamic linking table"
	case NoteSection:
		return "note section"
	case UninitializedSection:
		return "uninitialized memory"
	case RelSection:
		return "relocation entries"
	case DynamicLoaderSymbolSection:
		return "dynamic loader symbol table"
	}
	if t >= 0x60000000 {
		return fmt.Sprintf("OS- or processor-specific section type: 0x%x", t)
	}
	return fmt.Sprintf("invalid section type: 0x%x", t)
}

type SectionHeaderFlags64 uint64

func (f SectionHeaderFlags64) String() string {
	var writeStatus, allocStatus, execStatus string
	if (f & 1) == 0 {
		writeStatus = "not "
	}
	if (f & 2) == 0 {
		allocStatus = "not "
	}
	if (f & 4) == 0 {
		execStatus = "not "
	}
	return fmt.Sprintf("%swritable, %sallocated, %sexecutable", writeStatus,
		allocStatus, execStatus)
}

// Specifies the format for a single entry for a 64-bit ELF section header.
type ELF64SectionHeader struct {
	Name           uint32
	Type           SectionHeaderType
	Flags          SectionHeaderFlags64
	VirtualAddress uint64
	FileOffset     uint64
	Size           uint64
	LinkedIndex    uint32
	Info           uint32
	Align          uint64
	EntrySize      uint64
}

func (h *ELF64SectionHeader) String() string {
	return fmt.Sprintf("%s section. %d bytes at address 0x%x (offset 0x%x in "+
		"file). %s", h.Type, h.Size, h.VirtualAddress, h.FileOffset, h.Flags)
}

// Represents the 64-bit info field in a relocation
type ELF64RelocationInfo uint64

// Returns the 32-bit type in the 64-bit ELF relocation info field.
func (n ELF64RelocationInfo) Type() uint32 {
	return uint32(n & 0xffffffff)
}

// Returns the 32-bit symbol table index for a 64-bit ELF relocation info
// field.
func (n ELF64RelocationInfo) SymbolIndex() uint32 {
	return uint32(n >> 32)
}

func (n ELF64RelocationInfo) String() string {
	return fmt.Sprintf("type %d, symbol index %d", n.Type(), n.SymbolIndex())
}

// A relocation with an addend, as found in SHT_RELA sections.
type ELF64Rela struct {
	Address        uint64
	RelocationInfo ELF64RelocationInfo
	AddendValue    int64
}

const elf64RelaSize = 24

func (r *ELF64Rela) String() string {
	return fmt.Sprintf("relocation at address 0x%016x with addend 0x%x, %s",
		r.Address, r.AddendValue, r.RelocationInfo)
}

// Tracks the parsed headers of a 64-bit ELF image. Section contents are read
// from the image whenever they're needed, so writes through the image are
// always visible.
type ELF64File struct {
	Header     ELF64Header
	Sections   []ELF64SectionHeader
	Endianness binary.ByteOrder
	image      *Image
}

// Returns true if the image starts with the ELF magic number.
func IsELF(img *Image) bool {
	return bytes.HasPrefix(img.Raw, ELFMagic)
}

// Parses the header and section table of a 64-bit ELF image.
func ParseELF64Image(img *Image) (*ELF64File, error) {
	raw := img.Raw
	if !IsELF(img) {
		return nil, errors.Wrap(ErrSignatureNotFound, "ELF magic number")
	}
	if len(raw) < 6 {
		return nil, errors.Wrap(ErrOutOfRange, "insufficient size for an "+
			"ELF file")
	}
	if raw[4] != 2 {
		return nil, fmt.Errorf("ELF class incorrect for 64-bit: %d", raw[4])
	}
	var endianness binary.ByteOrder
	switch raw[5] {
	case 1:
		endianness = binary.LittleEndian
	case 2:
		endianness = binary.BigEndian
	default:
		return nil, fmt.Errorf("Invalid encoding/endianness: %d", raw[5])
	}
	var header ELF64Header
	e := binary.Read(bytes.NewReader(raw), endianness, &header)
	if e != nil {
		return nil, errors.Wrap(ErrOutOfRange, "reading ELF64 header: "+
			e.Error())
	}
	f := &ELF64File{
		Header:     header,
		Endianness: endianness,
		image:      img,
	}
	e = f.parseSectionHeaders()
	if e != nil {
		return nil, e
	}
	return f, nil
}

// Used during initialization to fill in the Sections slice.
func (f *ELF64File) parseSectionHeaders() error {
	// Don't require a valid section header offset if there are no sections.
	if f.Header.SectionHeaderEntries == 0 {
		f.Sections = nil
		return nil
	}
	entrySize := uint64(f.Header.SectionHeaderEntrySize)
	if entrySize < uint64(binary.Size(&ELF64SectionHeader{})) {
		return errors.Wrapf(ErrMalformedRecord, "section header entries are "+
			"%d bytes", entrySize)
	}
	count := uint64(f.Header.SectionHeaderEntries)
	sections := make([]ELF64SectionHeader, count)
	for i := uint64(0); i < count; i++ {
		offset := f.Header.SectionHeaderOffset + i*entrySize
		raw, e := f.image.ReadAt(offset, entrySize)
		if e != nil {
			return errors.Wrapf(e, "reading section header %d", i)
		}
		e = binary.Read(bytes.NewReader(raw), f.Endianness, &(sections[i]))
		if e != nil {
			return errors.Wrapf(e, "parsing section header %d", i)
		}
	}
	f.Sections = sections
	return nil
}

// Returns the bytes of the section at the given index, or an error if one
// occurs. The returned slice aliases the image.
func (f *ELF64File) GetSectionContent(sectionIndex uint16) ([]byte, error) {
	if int(sectionIndex) >= len(f.Sections) {
		return nil, fmt.Errorf("Invalid section index: %d", sectionIndex)
	}
	s := &(f.Sections[sectionIndex])
	e := f.image.checkRange(s.FileOffset, s.Size)
	if e != nil {
		return nil, errors.Wrapf(e, "section %d", sectionIndex)
	}
	return f.image.Raw[s.FileOffset : s.FileOffset+s.Size], nil
}

// Returns the name of the section at the given index in the section table, or
// an error if one occurs.
func (f *ELF64File) GetSectionName(sectionIndex uint16) (string, error) {
	if sectionIndex == 0 {
		return "", fmt.Errorf("The null (0-index) section doesn't have a name")
	}
	if int(sectionIndex) >= len(f.Sections) {
		return "", fmt.Errorf("Invalid section index: %d", sectionIndex)
	}
	stringContent, e := f.GetSectionContent(f.Header.SectionNamesTable)
	if e != nil {
		return "", errors.Wrap(e, "couldn't read section names table")
	}
	name, e := readStringAtOffset(f.Sections[sectionIndex].Name,
		stringContent)
	if e != nil {
		return "", errors.Wrap(e, "couldn't read section name")
	}
	return string(name), nil
}

// Returns true if the section at the given index holds relocations with
// addends.
func (f *ELF64File) IsRelaTable(sectionIndex uint16) bool {
	if int(sectionIndex) >= len(f.Sections) {
		return false
	}
	return f.Sections[sectionIndex].Type == RelaSection
}

// Returns the number of entries in the relocation section at the given index,
// after checking that the section lies inside the image and its entries are
// large enough to hold an ELF64Rela.
func (f *ELF64File) relaEntryCount(sectionIndex uint16) (uint64, error) {
	if !f.IsRelaTable(sectionIndex) {
		return 0, fmt.Errorf("Section %d is not a rela table", sectionIndex)
	}
	s := &(f.Sections[sectionIndex])
	if s.EntrySize < elf64RelaSize {
		return 0, errors.Wrapf(ErrMalformedRecord, "section %d has %d byte "+
			"relocation entries, need at least %d", sectionIndex, s.EntrySize,
			elf64RelaSize)
	}
	e := f.image.checkRange(s.FileOffset, s.Size)
	if e != nil {
		return 0, errors.Wrapf(e, "relocation section %d", sectionIndex)
	}
	return s.Size / s.EntrySize, nil
}

// Decodes the relocation entry at the given file offset.
func (f *ELF64File) readRela(offset uint64) (ELF64Rela, error) {
	var r ELF64Rela
	raw, e := f.image.ReadAt(offset, elf64RelaSize)
	if e != nil {
		return r, e
	}
	r.Address = f.Endianness.Uint64(raw[0:8])
	r.RelocationInfo = ELF64RelocationInfo(f.Endianness.Uint64(raw[8:16]))
	r.AddendValue = int64(f.Endianness.Uint64(raw[16:24]))
	return r, nil
}

// Returns the entries of the relocation section at the given index.
func (f *ELF64File) GetRelaTable(sectionIndex uint16) ([]ELF64Rela, error) {
	count, e := f.relaEntryCount(sectionIndex)
	if e != nil {
		return nil, e
	}
	s := &(f.Sections[sectionIndex])
	toReturn := make([]ELF64Rela, count)
	for i := uint64(0); i < count; i++ {
		toReturn[i], e = f.readRela(s.FileOffset + i*s.EntrySize)
		if e != nil {
			return nil, errors.Wrapf(e, "section %d entry %d", sectionIndex, i)
		}
	}
	return toReturn, nil
}

// Writes all three fields of the relocation entry at the given file offset.
func (f *ELF64File) writeRela(offset uint64, r *ELF64Rela) error {
	var raw [elf64RelaSize]byte
	f.Endianness.PutUint64(raw[0:8], r.Address)
	f.Endianness.PutUint64(raw[8:16], uint64(r.RelocationInfo))
	f.Endianness.PutUint64(raw[16:24], uint64(r.AddendValue))
	return f.image.WriteAt(offset, raw[:])
}

// Returns a string starting at the offset in the data, or an error if the
// offset is invalid or the string isn't terminated. This can be used to
// extract strings from string table content.
func readStringAtOffset(offset uint32, data []byte) ([]byte, error) {
	if offset >= uint32(len(data)) {
		return nil, fmt.Errorf("Invalid string offset: %d", offset)
	}
	endIndex := offset
	for data[endIndex] != 0 {
		endIndex++
		if endIndex >= uint32(len(data)) {
			return nil, fmt.Errorf("Unterminated string starting at offset %d",
				offset)
		}
	}
	return data[offset:endIndex], nil
}
