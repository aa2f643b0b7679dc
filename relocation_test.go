package smc_patcher

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseELF64Image(t *testing.T) {
	img := buildELFImage()
	f, e := ParseELF64Image(img)
	if e != nil {
		t.Logf("Failed parsing the synthetic ELF: %s\n", e)
		t.FailNow()
	}
	t.Logf("Parsed %s\n", &(f.Header))
	if len(f.Sections) != 4 {
		t.Logf("Expected 4 sections, got %d\n", len(f.Sections))
		t.FailNow()
	}
	expectedNames := []string{"", ".rela.dyn", ".rela.plt", ".shstrtab"}
	for i := 1; i < len(f.Sections); i++ {
		name, e := f.GetSectionName(uint16(i))
		if e != nil {
			t.Logf("Error getting section %d name: %s\n", i, e)
			t.FailNow()
		}
		if name != expectedNames[i] {
			t.Logf("Expected section %d to be %s, got %s\n", i,
				expectedNames[i], name)
			t.Fail()
		}
		t.Logf("Section %s (index %d): %s\n", name, i, &(f.Sections[i]))
	}
	if !f.IsRelaTable(1) || !f.IsRelaTable(2) || f.IsRelaTable(3) {
		t.Logf("Incorrectly identified relocation sections\n")
		t.Fail()
	}
	relocations, e := f.GetRelaTable(2)
	if e != nil {
		t.Logf("Failed reading .rela.plt: %s\n", e)
		t.FailNow()
	}
	if (len(relocations) != 2) || (relocations[0] != testRelaPlt()[0]) ||
		(relocations[1] != testRelaPlt()[1]) {
		t.Logf("Incorrect .rela.plt entries: %v\n", relocations)
		t.Fail()
	}
	if relocations[0].RelocationInfo.SymbolIndex() != 2 {
		t.Logf("Incorrect symbol index: %s\n", &(relocations[0]))
		t.Fail()
	}
	_, e = f.GetRelaTable(3)
	if e == nil {
		t.Logf("Didn't get an error reading .shstrtab as relocations\n")
		t.Fail()
	}
	_, e = ParseELF64Image(buildVMXImage())
	if !errors.Is(e, ErrSignatureNotFound) {
		t.Logf("Expected ErrSignatureNotFound parsing a non-ELF, got %v\n",
			e)
		t.Fail()
	}
}

func TestFixRelocations(t *testing.T) {
	img := buildELFImage()
	original := make([]byte, len(img.Raw))
	copy(original, img.Raw)
	fixes, e := FixRelocations(img, testGen1OSK, testGen1Reference)
	if e != nil {
		t.Logf("Failed fixing relocations: %s\n", e)
		t.FailNow()
	}
	if len(fixes) != DefaultExpectedRelocations {
		t.Logf("Expected %d fixes, got %d\n", DefaultExpectedRelocations,
			len(fixes))
		t.FailNow()
	}
	for i := range fixes {
		fix := &(fixes[i])
		t.Logf("%s\n", fix)
		if fix.After.AddendValue != testGen1Reference {
			t.Logf("Incorrect new addend: %s\n", &(fix.After))
			t.Fail()
		}
		if (fix.Before.Address != fix.After.Address) ||
			(fix.Before.RelocationInfo != fix.After.RelocationInfo) {
			t.Logf("Fields other than the addend changed: %s\n", fix)
			t.Fail()
		}
	}
	if (fixes[0].Section != ".rela.dyn") ||
		(fixes[len(fixes)-1].Section != ".rela.plt") {
		t.Logf("Fixes not reported in file order\n")
		t.Fail()
	}
	// Every byte other than the four addends must be unchanged.
	changed := make(map[uint64]bool)
	for _, fix := range fixes {
		changed[fix.Offset+16] = true
	}
	for offset := uint64(0); offset < uint64(len(original)); offset += 8 {
		same := bytes.Equal(original[offset:offset+8],
			img.Raw[offset:offset+8])
		if changed[offset] == same {
			t.Logf("Unexpected content at 0x%x: % x (was % x)\n", offset,
				img.Raw[offset:offset+8], original[offset:offset+8])
			t.Fail()
		}
	}
	// Running again finds nothing left to change.
	fixes, e = FixRelocations(img, testGen1OSK, testGen1Reference)
	if e != nil {
		t.Logf("Failed fixing relocations again: %s\n", e)
		t.FailNow()
	}
	if len(fixes) != 0 {
		t.Logf("Expected no fixes on the second run, got %d\n", len(fixes))
		t.Fail()
	}
}

func TestFixRelocationsBadSection(t *testing.T) {
	raw := buildELFBytes()
	// Point .rela.plt past the end of the image.
	offset := testSectionsOffset + 2*64 + 24
	raw[offset+5] = 0x10
	_, e := FixRelocations(NewImage(raw), testGen1OSK, testGen1Reference)
	if !errors.Is(e, ErrOutOfRange) {
		t.Logf("Expected ErrOutOfRange for a truncated section, got %v\n", e)
		t.Fail()
	} else {
		t.Logf("Got expected error for a truncated section: %s\n", e)
	}
}

func TestReplacePointerBytes(t *testing.T) {
	img := buildELFImage()
	offsets, e := ReplacePointerBytes(img, testGen1OSK, testGen1Reference)
	if e != nil {
		t.Logf("Failed replacing raw pointers: %s\n", e)
		t.FailNow()
	}
	// Two gen1 handlers plus the four addends.
	if len(offsets) != 6 {
		t.Logf("Expected 6 replacements, got %d: %x\n", len(offsets),
			offsets)
		t.Fail()
	}
	for _, offset := range offsets {
		value, e := img.ReadUint64(offset)
		if e != nil {
			t.Logf("Failed re-reading 0x%x: %s\n", offset, e)
			t.FailNow()
		}
		if value != testGen1Reference {
			t.Logf("Incorrect value at 0x%x: 0x%x\n", offset, value)
			t.Fail()
		}
	}
	oldPointer := []byte{0xdd, 0xdd, 0xa0, 0, 0, 0, 0, 0}
	_, found := img.Find(oldPointer, FirstFrom(0))
	if found {
		t.Logf("The old pointer is still present\n")
		t.Fail()
	}
}
