package smc_patcher

// This file locates the vSMC tables in an image.
//
// Table header layout (little-endian):
//
//	Offset Size Description
//	0x00   8    Pointer to the key table
//	0x08   4    Number of private keys
//	0x0c   4    Number of public keys
//
// Nothing points at the header in a way that can be followed from the file,
// so it's found by searching for its two key counts, which differ between the
// two table generations.

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

const TableHeaderSize = 16

// The header is this many bytes before its count signature.
const signatureDistance = 8

// Identifies one of the two vSMC table layouts (smc.version = "0" or "1").
type Generation uint8

const (
	Generation0 Generation = 0
	Generation1 Generation = 1
)

// Both generations, in the order they are patched.
var Generations = []Generation{Generation0, Generation1}

func (g Generation) String() string {
	switch g {
	case Generation0:
		return "appleSMCTableV0"
	case Generation1:
		return "appleSMCTableV1"
	}
	return fmt.Sprintf("unknown table generation %d", uint8(g))
}

// Returns the private and public key counts identifying the generation.
func (g Generation) KeyCounts() (uint32, uint32) {
	if g == Generation1 {
		return 436, 432
	}
	return 242, 240
}

// Returns the 8 bytes searched for to find this generation's header: its
// private and public key counts.
func (g Generation) Signature() []byte {
	private, public := g.KeyCounts()
	toReturn := make([]byte, 8)
	binary.LittleEndian.PutUint32(toReturn[0:4], private)
	binary.LittleEndian.PutUint32(toReturn[4:8], public)
	return toReturn
}

// The second generation's key array is the later of two otherwise identical
// anchor matches, so it's found searching backwards.
func (g Generation) anchorStrategy(hint uint64) SearchStrategy {
	if g == Generation1 {
		return LastFrom(hint)
	}
	return FirstFrom(hint)
}

type TableHeader struct {
	KeyTableOffset  uint64
	PrivateKeyCount uint32
	PublicKeyCount  uint32
}

func (h *TableHeader) String() string {
	return fmt.Sprintf("keys at 0x%08x, %d private keys, %d public keys",
		h.KeyTableOffset, h.PrivateKeyCount, h.PublicKeyCount)
}

// A located key table. Records are always read from the image on demand.
type KeyTable struct {
	Generation   Generation
	HeaderOffset uint64
	Header       TableHeader
	// The offset of the first (anchor) key record.
	KeysOffset uint64
}

// Returns the number of key records in the table.
func (t *KeyTable) Count() uint64 {
	return uint64(t.Header.PrivateKeyCount)
}

// Returns the offset of the record at the given index.
func (t *KeyTable) RecordOffset(index uint64) uint64 {
	return t.KeysOffset + index*KeyRecordSize
}

// Returns the first record in the table with the given logical name (e.g.
// "+LKS"). Only whole records are compared, so bytes matching the name inside
// a payload are never mistaken for a key.
func (t *KeyTable) FindRecord(img *Image, name string) (*KeyRecord, error) {
	stored := ReverseKey(name)
	for i := uint64(0); i < t.Count(); i++ {
		offset := t.RecordOffset(i)
		raw, e := img.ReadAt(offset, 4)
		if e != nil {
			return nil, errors.Wrapf(e, "%s record %d", t.Generation, i)
		}
		if string(raw) != string(stored[:]) {
			continue
		}
		r, _, e := DecodeRecord(img, offset)
		if e != nil {
			return nil, errors.Wrapf(e, "%s key %s", t.Generation, name)
		}
		log.WithFields(log.Fields{
			"generation": t.Generation.String(),
			"key":        name,
			"index":      i,
			"offset":     fmt.Sprintf("0x%08x", offset),
		}).Debug("found key")
		return r, nil
	}
	return nil, errors.Wrapf(ErrSignatureNotFound, "key %s not in the %d "+
		"records of %s at 0x%x", name, t.Count(), t.Generation, t.KeysOffset)
}

// Returns the offset of the given generation's table header.
func LocateHeader(img *Image, g Generation) (uint64, error) {
	offset, found := img.Find(g.Signature(), FirstFrom(0))
	if !found {
		return 0, errors.Wrapf(ErrSignatureNotFound, "%s header signature "+
			"% x", g, g.Signature())
	}
	if offset < signatureDistance {
		return 0, errors.Wrapf(ErrSignatureNotFound, "%s signature at 0x%x "+
			"leaves no room for the header", g, offset)
	}
	return offset - signatureDistance, nil
}

// Parses the table header at the given offset.
func ReadTableHeader(img *Image, offset uint64) (TableHeader, error) {
	var h TableHeader
	raw, e := img.ReadAt(offset, TableHeaderSize)
	if e != nil {
		return h, errors.Wrapf(e, "reading table header at 0x%x", offset)
	}
	h.KeyTableOffset = binary.LittleEndian.Uint64(raw[0:8])
	h.PrivateKeyCount = binary.LittleEndian.Uint32(raw[8:12])
	h.PublicKeyCount = binary.LittleEndian.Uint32(raw[12:16])
	return h, nil
}

// Returns the offset of the given generation's first key record: the record
// named anchor (a logical name such as "#KEY") found at or after hint.
func LocateKeyArray(img *Image, g Generation, hint uint64,
	anchor string) (uint64, error) {
	stored := ReverseKey(anchor)
	strategy := g.anchorStrategy(hint)
	offset, found := img.Find(stored[:], strategy)
	if !found {
		return 0, errors.Wrapf(ErrSignatureNotFound, "%s anchor key %s (%s)",
			g, anchor, strategy)
	}
	return offset, nil
}

// Finds the header and key array of one table generation.
func LocateTable(img *Image, g Generation, anchor string) (*KeyTable, error) {
	headerOffset, e := LocateHeader(img, g)
	if e != nil {
		return nil, e
	}
	header, e := ReadTableHeader(img, headerOffset)
	if e != nil {
		return nil, e
	}
	keysOffset, e := LocateKeyArray(img, g, headerOffset, anchor)
	if e != nil {
		return nil, e
	}
	log.WithFields(log.Fields{
		"generation": g.String(),
		"header":     fmt.Sprintf("0x%08x", headerOffset),
		"keys":       fmt.Sprintf("0x%08x", keysOffset),
		"private":    header.PrivateKeyCount,
		"public":     header.PublicKeyCount,
	}).Debug("located table")
	return &KeyTable{
		Generation:   g,
		HeaderOffset: headerOffset,
		Header:       header,
		KeysOffset:   keysOffset,
	}, nil
}

// Locates both table generations. Each must be present.
func LocateTables(img *Image, anchor string) ([]*KeyTable, error) {
	toReturn := make([]*KeyTable, 0, len(Generations))
	for _, g := range Generations {
		t, e := LocateTable(img, g, anchor)
		if e != nil {
			return nil, e
		}
		toReturn = append(toReturn, t)
	}
	return toReturn, nil
}
