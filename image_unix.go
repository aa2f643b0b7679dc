//go:build unix

package smc_patcher

import (
	"golang.org/x/sys/unix"
)

// Maps the whole file shared and writable, so writes to Raw land in the page
// cache immediately and msync commits them.
func (img *Image) loadBacking(size int) error {
	data, e := unix.Mmap(int(img.file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if e != nil {
		return &IOError{Op: "mmap", Path: img.path, Err: e}
	}
	img.Raw = data
	img.mapped = true
	return nil
}

func (img *Image) flushBacking() error {
	if !img.mapped {
		return nil
	}
	e := unix.Msync(img.Raw, unix.MS_SYNC)
	if e != nil {
		return &IOError{Op: "msync", Path: img.path, Err: e}
	}
	return nil
}

func (img *Image) releaseBacking() error {
	if !img.mapped {
		return nil
	}
	img.mapped = false
	e := unix.Munmap(img.Raw)
	if e != nil {
		return &IOError{Op: "munmap", Path: img.path, Err: e}
	}
	return nil
}
