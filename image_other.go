//go:build !unix

package smc_patcher

import (
	"io"
)

// Without mmap the file is read into memory and written back in full on
// every flush.
func (img *Image) loadBacking(size int) error {
	data := make([]byte, size)
	_, e := io.ReadFull(img.file, data)
	if e != nil {
		return &IOError{Op: "read", Path: img.path, Err: e}
	}
	img.Raw = data
	return nil
}

func (img *Image) flushBacking() error {
	_, e := img.file.WriteAt(img.Raw, 0)
	if e != nil {
		return &IOError{Op: "write", Path: img.path, Err: e}
	}
	e = img.file.Sync()
	if e != nil {
		return &IOError{Op: "sync", Path: img.path, Err: e}
	}
	return nil
}

func (img *Image) releaseBacking() error {
	return nil
}
