package smc_patcher

// ESXi's libvmkctl decides whether the host has an Apple SMC by looking for a
// device named "applesmc". Renaming the string to a device that's always
// present makes the check pass.

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

var (
	smcDeviceName     = []byte("applesmc")
	presentDeviceName = []byte("vmkernel")
)

type PresenceResult struct {
	Offset         uint64
	AlreadyPatched bool
}

// Replaces the first "applesmc" in the image with "vmkernel". If there is no
// "applesmc" but there is a "vmkernel", the image is assumed to be patched
// already and nothing is written.
func PatchSMCPresent(img *Image) (PresenceResult, error) {
	var result PresenceResult
	offset, found := img.Find(smcDeviceName, FirstFrom(0))
	if !found {
		offset, found = img.Find(presentDeviceName, FirstFrom(0))
		if !found {
			return result, errors.Wrapf(ErrSignatureNotFound, "neither %q "+
				"nor %q in %s", smcDeviceName, presentDeviceName, img.Path())
		}
		result.Offset = offset
		result.AlreadyPatched = true
		log.WithField("file", img.Path()).Info("smcPresent already patched")
		return result, nil
	}
	e := img.WriteAt(offset, presentDeviceName)
	if e != nil {
		return result, e
	}
	result.Offset = offset
	log.WithFields(log.Fields{
		"file":   img.Path(),
		"offset": fmt.Sprintf("0x%08x", offset),
	}).Info("smcPresent patched")
	return result, img.Flush()
}
