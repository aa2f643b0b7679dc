package smc_patcher

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
)

// A decoded record together with its significant payload bytes.
type ListedRecord struct {
	KeyRecord
	Payload []byte
}

// Decodes every record in the table, in order. If a record can't be decoded
// the records before it are returned along with the error.
func ListTable(img *Image, t *KeyTable) ([]ListedRecord, error) {
	toReturn := make([]ListedRecord, 0, t.Count())
	for i := uint64(0); i < t.Count(); i++ {
		r, dataOffset, e := DecodeRecord(img, t.RecordOffset(i))
		if e != nil {
			return toReturn, errors.Wrapf(e, "%s record %d", t.Generation, i)
		}
		payload, e := ReadPayload(img, dataOffset, r.PayloadLength)
		if e != nil {
			return toReturn, errors.Wrapf(e, "%s record %d payload",
				t.Generation, i)
		}
		toReturn = append(toReturn, ListedRecord{
			KeyRecord: *r,
			Payload:   payload,
		})
	}
	return toReturn, nil
}

// Writes a summary of the table header followed by one row per record.
func WriteListing(w io.Writer, t *KeyTable, records []ListedRecord) error {
	private, public := t.Header.PrivateKeyCount, t.Header.PublicKeyCount
	_, e := fmt.Fprintf(w, "%s (smc.version = \"%d\")\n"+
		"File Offset : 0x%08x\n"+
		"Keys Offset : 0x%08x\n"+
		"Private Keys: 0x%04x/%d\n"+
		"Public Keys : 0x%04x/%d\n", t.Generation, uint8(t.Generation),
		t.HeaderOffset, t.Header.KeyTableOffset, private, private, public,
		public)
	if e != nil {
		return &IOError{Op: "write", Err: e}
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Offset", "Name", "Len", "Type", "Flag",
		"FuncPtr", "Data"})
	for i := range records {
		r := &(records[i])
		tw.AppendRow(table.Row{
			fmt.Sprintf("0x%08x", r.Offset),
			r.KeyName(),
			fmt.Sprintf("%02d", r.PayloadLength),
			r.TypeName(),
			fmt.Sprintf("0x%02x", r.Flags),
			fmt.Sprintf("0x%08x", r.HandlerPointer),
			hex.EncodeToString(r.Payload),
		})
	}
	tw.Render()
	return nil
}
