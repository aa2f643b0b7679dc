package smc_patcher

// This file contains the codec for individual vSMC key records.
//
// Key record layout (little-endian):
//
//	Offset Size Description
//	0x00   4    Key name, byte reversed (#KEY is stored as YEK#)
//	0x04   1    Length of the significant payload bytes
//	0x05   4    Data type, byte reversed (ui32 is stored as 23iu)
//	0x09   1    Read/write flags
//	0x0a   6    Padding
//	0x10   8    Pointer to the routine servicing the key
//	0x18   48   Payload

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	KeyHeaderSize  = 24
	KeyPayloadSize = 48
	// The distance between consecutive records in a key table.
	KeyRecordSize = KeyHeaderSize + KeyPayloadSize
)

// A single decoded key record header. Name and DataType hold the bytes as
// stored, which is the logical name reversed.
type KeyRecord struct {
	// The absolute offset of the record in the image.
	Offset         uint64
	Name           [4]byte
	PayloadLength  uint8
	DataType       [4]byte
	Flags          uint8
	HandlerPointer uint64
}

// Converts a logical 4-character key name (e.g. "#KEY") into the stored,
// byte-reversed form.
func ReverseKey(name string) [4]byte {
	var toReturn [4]byte
	for i := 0; (i < 4) && (i < len(name)); i++ {
		toReturn[3-i] = name[i]
	}
	return toReturn
}

func reverseBytes(b [4]byte) string {
	return string([]byte{b[3], b[2], b[1], b[0]})
}

// Returns the logical key name, e.g. "OSK0".
func (r *KeyRecord) KeyName() string {
	return reverseBytes(r.Name)
}

// Returns the logical data type with NUL bytes shown as spaces, e.g. "ch8*".
func (r *KeyRecord) TypeName() string {
	return string(bytes.ReplaceAll([]byte(reverseBytes(r.DataType)),
		[]byte{0}, []byte{' '}))
}

// Returns the offset of the record's payload.
func (r *KeyRecord) DataOffset() uint64 {
	return r.Offset + KeyHeaderSize
}

func (r *KeyRecord) String() string {
	return fmt.Sprintf("key %s at offset 0x%08x: %d byte %s payload, flags "+
		"0x%02x, handler 0x%08x", r.KeyName(), r.Offset, r.PayloadLength,
		r.TypeName(), r.Flags, r.HandlerPointer)
}

// Parses a 24-byte record header. The returned record's Offset is left as 0.
func UnmarshalHeader(b []byte) (KeyRecord, error) {
	var r KeyRecord
	if len(b) < KeyHeaderSize {
		return r, errors.Wrapf(ErrOutOfRange, "record header needs %d bytes, "+
			"got %d", KeyHeaderSize, len(b))
	}
	copy(r.Name[:], b[0:4])
	r.PayloadLength = b[4]
	copy(r.DataType[:], b[5:9])
	r.Flags = b[9]
	r.HandlerPointer = binary.LittleEndian.Uint64(b[16:24])
	if r.PayloadLength > KeyPayloadSize {
		return r, errors.Wrapf(ErrMalformedRecord, "key %s declares a %d "+
			"byte payload, the maximum is %d", r.KeyName(), r.PayloadLength,
			KeyPayloadSize)
	}
	return r, nil
}

// Returns the 24-byte encoding of the record header. Padding is always zero.
func MarshalHeader(r *KeyRecord) [KeyHeaderSize]byte {
	var b [KeyHeaderSize]byte
	copy(b[0:4], r.Name[:])
	b[4] = r.PayloadLength
	copy(b[5:9], r.DataType[:])
	b[9] = r.Flags
	binary.LittleEndian.PutUint64(b[16:24], r.HandlerPointer)
	return b
}

// Decodes the record header at the given offset, returning the record and
// the offset of its payload. The payload itself isn't read; use ReadPayload.
func DecodeRecord(img *Image, offset uint64) (*KeyRecord, uint64, error) {
	raw, e := img.ReadAt(offset, KeyHeaderSize)
	if e != nil {
		return nil, 0, errors.Wrapf(e, "reading key record at 0x%x", offset)
	}
	r, e := UnmarshalHeader(raw)
	if e != nil {
		return nil, 0, errors.Wrapf(e, "record at 0x%x", offset)
	}
	r.Offset = offset
	return &r, r.DataOffset(), nil
}

// Reads length payload bytes starting at dataOffset.
func ReadPayload(img *Image, dataOffset uint64, length uint8) ([]byte,
	error) {
	if length > KeyPayloadSize {
		return nil, errors.Wrapf(ErrLengthMismatch, "payload read of %d "+
			"bytes at 0x%x exceeds %d", length, dataOffset, KeyPayloadSize)
	}
	return img.ReadAt(dataOffset, uint64(length))
}

// Reads the significant payload bytes of the given record.
func (r *KeyRecord) Payload(img *Image) ([]byte, error) {
	return ReadPayload(img, r.DataOffset(), r.PayloadLength)
}

// Writes the 24-byte header of r at r.Offset. The key name and data type at
// that offset can't be changed: they identify the record, so an attempt to
// change them fails with ErrMalformedRecord and writes nothing.
func EncodeRecord(img *Image, r *KeyRecord) error {
	if r.PayloadLength > KeyPayloadSize {
		return errors.Wrapf(ErrMalformedRecord, "refusing to declare a %d "+
			"byte payload for key %s", r.PayloadLength, r.KeyName())
	}
	existing, e := img.ReadAt(r.Offset, KeyHeaderSize)
	if e != nil {
		return errors.Wrapf(e, "encoding key record at 0x%x", r.Offset)
	}
	if !bytes.Equal(existing[0:4], r.Name[:]) ||
		!bytes.Equal(existing[5:9], r.DataType[:]) {
		current, _ := UnmarshalHeader(existing)
		return errors.Wrapf(ErrMalformedRecord, "record at 0x%x is %s (%s), "+
			"refusing to rewrite it as %s (%s)", r.Offset, current.KeyName(),
			current.TypeName(), r.KeyName(), r.TypeName())
	}
	header := MarshalHeader(r)
	return img.WriteAt(r.Offset, header[:])
}

// Overwrites the start of r's payload with data. Bytes past len(data) are
// left alone. Fails with ErrLengthMismatch if data is longer than the
// record's declared payload length; grow the length with EncodeRecord first.
func EncodePayload(img *Image, r *KeyRecord, data []byte) error {
	if len(data) > int(r.PayloadLength) {
		return errors.Wrapf(ErrLengthMismatch, "key %s at 0x%x holds %d "+
			"payload bytes, got %d", r.KeyName(), r.Offset, r.PayloadLength,
			len(data))
	}
	return img.WriteAt(r.DataOffset(), data)
}
