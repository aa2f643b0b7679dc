// This package locates, lists and patches the Apple SMC emulation key tables
// embedded in VMware's vmx executable, and fixes up the ELF relocations that
// reference the handler pointers it changes.
package smc_patcher

// This file contains the Image type: a mutable, bounds-checked view over the
// complete contents of a file being inspected or patched. The platform
// specific parts (mapping, flushing, releasing) are in image_unix.go and
// image_other.go.

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Holds the full contents of an executable or memory image. Raw may be read
// directly, but all modifications must go through WriteAt so that they are
// bounds-checked. Images are not safe for concurrent use.
type Image struct {
	Raw  []byte
	path string
	file *os.File
	// True if Raw is a shared mapping of file rather than a private copy.
	mapped bool
}

// Selects where and in which direction Image.Find searches.
type SearchStrategy struct {
	From uint64
	Last bool
}

// Returns a strategy finding the first match starting at or after offset.
func FirstFrom(offset uint64) SearchStrategy {
	return SearchStrategy{From: offset}
}

// Returns a strategy finding the last match starting at or after offset.
func LastFrom(offset uint64) SearchStrategy {
	return SearchStrategy{From: offset, Last: true}
}

func (s SearchStrategy) String() string {
	if s.Last {
		return fmt.Sprintf("last match from 0x%x", s.From)
	}
	return fmt.Sprintf("first match from 0x%x", s.From)
}

// Wraps an in-memory buffer. Writes modify raw directly, and Flush and Close
// do nothing.
func NewImage(raw []byte) *Image {
	return &Image{Raw: raw}
}

// Opens the file at path for reading and writing and returns an Image over
// its entire contents. The image must be closed to commit any writes.
func OpenImage(path string) (*Image, error) {
	f, e := os.OpenFile(path, os.O_RDWR, 0)
	if e != nil {
		return nil, &IOError{Op: "open", Path: path, Err: e}
	}
	info, e := f.Stat()
	if e != nil {
		f.Close()
		return nil, &IOError{Op: "stat", Path: path, Err: e}
	}
	size := info.Size()
	if size <= 0 {
		f.Close()
		return nil, errors.Wrapf(ErrOutOfRange, "%s is empty", path)
	}
	if int64(int(size)) != size {
		f.Close()
		return nil, errors.Wrapf(ErrOutOfRange, "%s is too large (%d bytes)",
			path, size)
	}
	img := &Image{
		path: path,
		file: f,
	}
	e = img.loadBacking(int(size))
	if e != nil {
		f.Close()
		return nil, e
	}
	return img, nil
}

// Returns the path the image was opened from, or an empty string for
// in-memory images.
func (img *Image) Path() string {
	return img.path
}

// Returns the size of the image in bytes.
func (img *Image) Len() uint64 {
	return uint64(len(img.Raw))
}

// Returns an error if the range [offset, offset+length) isn't entirely inside
// the image.
func (img *Image) checkRange(offset, length uint64) error {
	end := offset + length
	if (end < offset) || (end > img.Len()) {
		return outOfRange(offset, length, img.Len())
	}
	return nil
}

// Returns a copy of length bytes starting at offset.
func (img *Image) ReadAt(offset, length uint64) ([]byte, error) {
	e := img.checkRange(offset, length)
	if e != nil {
		return nil, e
	}
	toReturn := make([]byte, length)
	copy(toReturn, img.Raw[offset:offset+length])
	return toReturn, nil
}

// Overwrites len(data) bytes starting at offset. Nothing is written if any
// part of the range lies outside of the image.
func (img *Image) WriteAt(offset uint64, data []byte) error {
	e := img.checkRange(offset, uint64(len(data)))
	if e != nil {
		return e
	}
	copy(img.Raw[offset:], data)
	return nil
}

// Reads a little-endian 64-bit value at the given offset.
func (img *Image) ReadUint64(offset uint64) (uint64, error) {
	e := img.checkRange(offset, 8)
	if e != nil {
		return 0, e
	}
	return binary.LittleEndian.Uint64(img.Raw[offset:]), nil
}

// Writes a little-endian 64-bit value at the given offset.
func (img *Image) WriteUint64(offset, value uint64) error {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], value)
	return img.WriteAt(offset, tmp[:])
}

// Searches for pattern according to the given strategy. Returns the absolute
// offset of the match and true, or false if there is no match.
func (img *Image) Find(pattern []byte, s SearchStrategy) (uint64, bool) {
	if (len(pattern) == 0) || (s.From >= img.Len()) {
		return 0, false
	}
	region := img.Raw[s.From:]
	var index int
	if s.Last {
		index = bytes.LastIndex(region, pattern)
	} else {
		index = bytes.Index(region, pattern)
	}
	if index < 0 {
		return 0, false
	}
	return s.From + uint64(index), true
}

// Returns the SHA-256 of the current image contents.
func (img *Image) Sum() [32]byte {
	return sha256.Sum256(img.Raw)
}

// Commits all writes made so far to the backing file. Does nothing for
// in-memory images.
func (img *Image) Flush() error {
	if img.file == nil {
		return nil
	}
	return img.flushBacking()
}

// Flushes the image, then releases the mapping and closes the file. The image
// can't be used afterwards.
func (img *Image) Close() error {
	if img.file == nil {
		return nil
	}
	flushErr := img.flushBacking()
	releaseErr := img.releaseBacking()
	closeErr := img.file.Close()
	img.file = nil
	img.Raw = nil
	if flushErr != nil {
		return flushErr
	}
	if releaseErr != nil {
		return releaseErr
	}
	if closeErr != nil {
		return &IOError{Op: "close", Path: img.path, Err: closeErr}
	}
	return nil
}
