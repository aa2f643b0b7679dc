package smc_patcher

// This file defines the error kinds returned by the package. Callers should
// compare against them using errors.Is, since nearly every error is wrapped
// with the offset or values that caused it.

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// A required byte pattern (table signature, anchor or key name) is absent.
	ErrSignatureNotFound = errors.New("signature not found")
	// A key record's declared payload length exceeds the 48-byte capacity, or
	// an encode would change a record's identity.
	ErrMalformedRecord = errors.New("malformed key record")
	// An offset/length pair runs past the end of the image.
	ErrOutOfRange = errors.New("offset out of range")
	// The backing file could not be read, written, synced or closed.
	ErrIO = errors.New("I/O error")
	// A payload write is larger than the record's declared length.
	ErrLengthMismatch = errors.New("payload length mismatch")
	// The relocation fixer modified a different number of entries than
	// expected. This is only ever reported as a warning.
	ErrRelocationCountMismatch = errors.New("relocation count mismatch")
	// A patch profile names an unusable key or relocation setting.
	ErrInvalidConfig = errors.New("invalid patch profile")
)

// Wraps a failure from the underlying file or mapping. The original error is
// kept intact so it can be inspected with errors.As.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// Reported when the number of relocation entries rewritten differs from the
// number the operator expects for the target binary.
type RelocationCountMismatch struct {
	Expected int
	Actual   int
}

func (e *RelocationCountMismatch) Error() string {
	return fmt.Sprintf("expected %d relocation entries to be modified, "+
		"modified %d", e.Expected, e.Actual)
}

func (e *RelocationCountMismatch) Is(target error) bool {
	return target == ErrRelocationCountMismatch
}

// Returns an ErrOutOfRange error describing the failed access.
func outOfRange(offset, length, size uint64) error {
	return errors.Wrapf(ErrOutOfRange, "%d bytes at offset 0x%x, image is "+
		"%d bytes", length, offset, size)
}
