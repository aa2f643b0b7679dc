package smc_patcher

// This file rewrites references to a displaced handler pointer outside of the
// key tables. In a position-independent executable the table's pointer fields
// are filled in by the dynamic loader from R_*_RELATIVE entries, whose addend
// is the pointer value, so changing a table pointer without changing the
// matching addends has no effect at run time.

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Records a single rewritten relocation entry.
type RelocationFix struct {
	// The file offset of the relocation entry.
	Offset  uint64
	Section string
	Before  ELF64Rela
	After   ELF64Rela
}

func (r *RelocationFix) String() string {
	return fmt.Sprintf("relocation modified at 0x%08x in %s: addend 0x%x -> "+
		"0x%x", r.Offset, r.Section, r.Before.AddendValue,
		r.After.AddendValue)
}

// Parses the image's ELF section table and rewrites its relocations; see
// ELF64File.FixRelocations.
func FixRelocations(img *Image, oldPtr, newPtr uint64) ([]RelocationFix,
	error) {
	f, e := ParseELF64Image(img)
	if e != nil {
		return nil, errors.Wrap(e, "parsing ELF sections")
	}
	return f.FixRelocations(oldPtr, newPtr)
}

// Rewrites the addend of every SHT_RELA entry equal to oldPtr to newPtr. The
// entry's other two fields are written back unchanged. Returns the modified
// entries in file order. If a section can't be read, the entries already
// modified are returned along with the error.
func (f *ELF64File) FixRelocations(oldPtr, newPtr uint64) ([]RelocationFix,
	error) {
	log.WithFields(log.Fields{
		"header": f.Header.String(),
		"old":    fmt.Sprintf("0x%08x", oldPtr),
		"new":    fmt.Sprintf("0x%08x", newPtr),
	}).Info("modifying ELF RELA records")
	var toReturn []RelocationFix
	for i := range f.Sections {
		index := uint16(i)
		if !f.IsRelaTable(index) {
			continue
		}
		count, e := f.relaEntryCount(index)
		if e != nil {
			return toReturn, e
		}
		name, e := f.GetSectionName(index)
		if e != nil {
			name = fmt.Sprintf("section %d", i)
		}
		section := &(f.Sections[i])
		for j := uint64(0); j < count; j++ {
			offset := section.FileOffset + j*section.EntrySize
			before, e := f.readRela(offset)
			if e != nil {
				return toReturn, errors.Wrapf(e, "%s entry %d", name, j)
			}
			if before.AddendValue != int64(oldPtr) {
				continue
			}
			after := before
			after.AddendValue = int64(newPtr)
			e = f.writeRela(offset, &after)
			if e != nil {
				return toReturn, errors.Wrapf(e, "%s entry %d", name, j)
			}
			fix := RelocationFix{
				Offset:  offset,
				Section: name,
				Before:  before,
				After:   after,
			}
			log.WithFields(log.Fields{
				"section": name,
				"offset":  fmt.Sprintf("0x%08x", offset),
			}).Info("relocation modified")
			toReturn = append(toReturn, fix)
		}
	}
	return toReturn, nil
}

// Replaces every occurrence of the 8-byte little-endian encoding of oldPtr
// anywhere in the image with newPtr, returning the offsets replaced. This
// knows nothing about the image's structure and will also rewrite unrelated
// bytes that happen to match, so it's only meant as a last resort when the
// section table can't be parsed.
func ReplacePointerBytes(img *Image, oldPtr, newPtr uint64) ([]uint64,
	error) {
	var oldBytes, newBytes [8]byte
	binary.LittleEndian.PutUint64(oldBytes[:], oldPtr)
	binary.LittleEndian.PutUint64(newBytes[:], newPtr)
	log.WithFields(log.Fields{
		"old": fmt.Sprintf("0x%08x", oldPtr),
		"new": fmt.Sprintf("0x%08x", newPtr),
	}).Warn("replacing raw pointer bytes across the whole image")
	var toReturn []uint64
	from := uint64(0)
	for {
		offset, found := img.Find(oldBytes[:], FirstFrom(from))
		if !found {
			break
		}
		e := img.WriteAt(offset, newBytes[:])
		if e != nil {
			return toReturn, e
		}
		log.WithField("offset", fmt.Sprintf("0x%08x", offset)).
			Info("relocation modified")
		toReturn = append(toReturn, offset)
		from = offset + 1
	}
	return toReturn, nil
}
