package smc_patcher

import (
	"errors"
	"testing"
)

func TestLocateHeader(t *testing.T) {
	img := buildVMXImage()
	for _, g := range Generations {
		expected := uint64(testHeader0Offset)
		if g == Generation1 {
			expected = testHeader1Offset
		}
		signature, found := img.Find(g.Signature(), FirstFrom(0))
		if !found {
			t.Logf("Couldn't find the %s signature\n", g)
			t.FailNow()
		}
		offset, e := LocateHeader(img, g)
		if e != nil {
			t.Logf("Failed locating the %s header: %s\n", g, e)
			t.FailNow()
		}
		if (offset != expected) || (offset != signature-8) {
			t.Logf("Expected %s header at 0x%x (signature at 0x%x), got 0x%x\n",
				g, expected, signature, offset)
			t.Fail()
		}
		header, e := ReadTableHeader(img, offset)
		if e != nil {
			t.Logf("Failed reading the %s header: %s\n", g, e)
			t.FailNow()
		}
		private, public := g.KeyCounts()
		if (header.PrivateKeyCount != private) ||
			(header.PublicKeyCount != public) {
			t.Logf("Incorrect %s header: %s\n", g, &header)
			t.Fail()
		}
	}
}

func TestLocateHeaderMissing(t *testing.T) {
	img := NewImage(make([]byte, 4096))
	_, e := LocateHeader(img, Generation0)
	if !errors.Is(e, ErrSignatureNotFound) {
		t.Logf("Expected ErrSignatureNotFound, got %v\n", e)
		t.Fail()
	}
	// A signature at the very start leaves no room for the pointer.
	raw := make([]byte, 64)
	copy(raw, Generation1.Signature())
	_, e = LocateHeader(NewImage(raw), Generation1)
	if !errors.Is(e, ErrSignatureNotFound) {
		t.Logf("Expected ErrSignatureNotFound for a truncated header, got "+
			"%v\n", e)
		t.Fail()
	}
}

func TestLocateTables(t *testing.T) {
	img := buildVMXImage()
	tables, e := LocateTables(img, DefaultAnchorKey)
	if e != nil {
		t.Logf("Failed locating tables: %s\n", e)
		t.FailNow()
	}
	if len(tables) != 2 {
		t.Logf("Expected 2 tables, got %d\n", len(tables))
		t.FailNow()
	}
	if tables[0].KeysOffset != testKeys0Offset {
		t.Logf("Expected gen0 keys at 0x%x, got 0x%x\n", testKeys0Offset,
			tables[0].KeysOffset)
		t.Fail()
	}
	// The decoy anchor comes first, but gen1 uses the last match.
	if tables[1].KeysOffset != testKeys1Offset {
		t.Logf("Expected gen1 keys at 0x%x, got 0x%x\n", testKeys1Offset,
			tables[1].KeysOffset)
		t.Fail()
	}
	if tables[1].Count() != 436 {
		t.Logf("Expected 436 gen1 records, got %d\n", tables[1].Count())
		t.Fail()
	}
	r, e := tables[1].FindRecord(img, "OSK1")
	if e != nil {
		t.Logf("Failed finding OSK1: %s\n", e)
		t.FailNow()
	}
	if (r.Offset != tables[1].RecordOffset(4)) ||
		(r.HandlerPointer != testGen1OSK) {
		t.Logf("Found the wrong OSK1 record: %s\n", r)
		t.Fail()
	}
	_, e = tables[0].FindRecord(img, "KPPW")
	if !errors.Is(e, ErrSignatureNotFound) {
		t.Logf("Expected ErrSignatureNotFound for KPPW in gen0, got %v\n", e)
		t.Fail()
	} else {
		t.Logf("Got expected error for a missing key: %s\n", e)
	}
	_, e = LocateTables(img, "NONE")
	if !errors.Is(e, ErrSignatureNotFound) {
		t.Logf("Expected ErrSignatureNotFound for a bad anchor, got %v\n", e)
		t.Fail()
	}
}

func TestFindRecordIgnoresPayloads(t *testing.T) {
	raw := make([]byte, 1024)
	putTable(raw, Generation0, 0, 64, []testKey{
		{"#KEY", 4, "ui32", 0x80, 0x4444, "\xf2\x00\x00\x00"},
		// A payload containing a stored key name.
		{"DATA", 8, "ch8*", 0x90, 0x1234, "0KSO0KSO"},
		{"OSK0", 32, "ch8*", 0x90, 0xbbbb, "osk0"},
	})
	img := NewImage(raw)
	table, e := LocateTable(img, Generation0, DefaultAnchorKey)
	if e != nil {
		t.Logf("Failed locating the table: %s\n", e)
		t.FailNow()
	}
	r, e := table.FindRecord(img, "OSK0")
	if e != nil {
		t.Logf("Failed finding OSK0: %s\n", e)
		t.FailNow()
	}
	if r.Offset != table.RecordOffset(2) {
		t.Logf("Expected OSK0 at 0x%x, got 0x%x\n", table.RecordOffset(2),
			r.Offset)
		t.Fail()
	}
	// The table declares more records than fit in the image.
	_, e = table.FindRecord(img, "MISS")
	if !errors.Is(e, ErrOutOfRange) {
		t.Logf("Expected ErrOutOfRange walking off the image, got %v\n", e)
		t.Fail()
	}
}
