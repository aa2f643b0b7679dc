package smc_patcher

// This file contains the patch sequence. For each table generation, the
// target keys (OSK0 and OSK1) have their handler redirected from the OSK
// routine to the default routine used by the reference key (+LKS), and are
// given fixed payloads. Generation 1 also gets a marker payload (KPPW), which
// together with the target payloads is used to detect an already patched
// file.
//
// The sequence isn't transactional. Each record write is flushed as soon as
// it's made, so if a step fails the steps before it remain applied. Running
// the patch again is safe: a fully patched file is detected and left alone.

import (
	"bytes"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// The outcome of a patch run.
type Status int

const (
	StatusPatched Status = iota
	StatusAlreadyPatched
	StatusPatchedWithRelocationWarning
)

func (s Status) String() string {
	switch s {
	case StatusPatched:
		return "patchedOk"
	case StatusAlreadyPatched:
		return "alreadyPatched"
	case StatusPatchedWithRelocationWarning:
		return "patchedWithRelocationWarning"
	}
	return fmt.Sprintf("unknown status %d", int(s))
}

// A before/after snapshot of one rewritten record.
type RecordChange struct {
	Before        KeyRecord
	After         KeyRecord
	PayloadBefore []byte
	PayloadAfter  []byte
}

func (c *RecordChange) String() string {
	return fmt.Sprintf("%s -> handler 0x%08x, payload %q", &c.Before,
		c.After.HandlerPointer, c.PayloadAfter)
}

// Describes what was done to one table generation.
type GenerationReport struct {
	Table *KeyTable
	// True if the generation was found already patched and left alone.
	AlreadyPatched   bool
	ReferencePointer uint64
	// The handler pointer each target held before it was redirected, by
	// logical key name.
	Displaced map[string]uint64
	Changes   []RecordChange
}

type Report struct {
	Status      Status
	Generations []*GenerationReport
	// The displaced pointer searched for in the relocation sections, and the
	// pointer it was replaced with.
	OldPointer uint64
	NewPointer uint64
	// Entries changed by the section-aware relocation fixer.
	Relocations []RelocationFix
	// Offsets changed by the raw pointer search, if it had to be used.
	RawRelocations []uint64
	// Set along with StatusPatchedWithRelocationWarning.
	RelocationWarning *RelocationCountMismatch
}

// Returns the number of relocation references rewritten by either method.
func (r *Report) RelocationsModified() int {
	return len(r.Relocations) + len(r.RawRelocations)
}

// Returns true if the record's significant payload starts with expected.
func payloadMatches(img *Image, r *KeyRecord, expected string) (bool,
	error) {
	payload, e := r.Payload(img)
	if e != nil {
		return false, e
	}
	return bytes.HasPrefix(payload, []byte(expected)), nil
}

// Returns true if every target of the plan already points at the reference
// routine and carries its new payload, and the marker (if any) carries its
// payload.
func generationPatched(img *Image, t *KeyTable, plan *GenerationPlan) (bool,
	error) {
	reference, e := t.FindRecord(img, plan.Reference)
	if e != nil {
		return false, e
	}
	for _, target := range plan.Targets {
		r, e := t.FindRecord(img, target.Key)
		if e != nil {
			return false, e
		}
		if r.HandlerPointer != reference.HandlerPointer {
			return false, nil
		}
		matches, e := payloadMatches(img, r, target.Payload)
		if e != nil {
			return false, e
		}
		if !matches {
			return false, nil
		}
	}
	if plan.Marker == nil {
		return true, nil
	}
	marker, e := t.FindRecord(img, plan.Marker.Key)
	if e != nil {
		return false, e
	}
	return payloadMatches(img, marker, plan.Marker.Payload)
}

// Returns true if every table generation in the image has already been
// patched according to the profile. A nil profile uses DefaultConfig.
func IsPatched(img *Image, c *Config) (bool, error) {
	if c == nil {
		c = DefaultConfig()
	}
	tables, e := LocateTables(img, c.AnchorKey)
	if e != nil {
		return false, e
	}
	return tablesPatched(img, tables, c)
}

func tablesPatched(img *Image, tables []*KeyTable, c *Config) (bool, error) {
	for _, t := range tables {
		patched, e := generationPatched(img, t, c.Plan(t.Generation))
		if e != nil {
			return false, e
		}
		if !patched {
			return false, nil
		}
	}
	return true, nil
}

func logRecord(msg string, g Generation, r *KeyRecord, payload []byte) {
	log.WithFields(log.Fields{
		"generation": g.String(),
		"key":        r.KeyName(),
		"offset":     fmt.Sprintf("0x%08x", r.Offset),
		"handler":    fmt.Sprintf("0x%08x", r.HandlerPointer),
		"payload":    fmt.Sprintf("% x", payload),
	}).Info(msg)
}

// Redirects one target record to the reference pointer and overwrites its
// payload. Returns the change, whose Before.HandlerPointer is the displaced
// pointer.
func redirectRecord(img *Image, t *KeyTable, target *KeyPatch,
	referencePtr uint64) (*RecordChange, error) {
	r, e := t.FindRecord(img, target.Key)
	if e != nil {
		return nil, e
	}
	change := &RecordChange{Before: *r}
	change.PayloadBefore, e = r.Payload(img)
	if e != nil {
		return nil, errors.Wrapf(e, "reading %s payload", target.Key)
	}
	logRecord("key before", t.Generation, r, change.PayloadBefore)
	updated := *r
	updated.HandlerPointer = referencePtr
	e = EncodeRecord(img, &updated)
	if e != nil {
		return nil, errors.Wrapf(e, "redirecting %s", target.Key)
	}
	e = EncodePayload(img, &updated, []byte(target.Payload))
	if e != nil {
		return nil, errors.Wrapf(e, "writing %s payload", target.Key)
	}
	e = img.Flush()
	if e != nil {
		return nil, e
	}
	after, _, e := DecodeRecord(img, r.Offset)
	if e != nil {
		return nil, errors.Wrapf(e, "re-reading %s", target.Key)
	}
	change.After = *after
	change.PayloadAfter, e = after.Payload(img)
	if e != nil {
		return nil, errors.Wrapf(e, "re-reading %s payload", target.Key)
	}
	if after.HandlerPointer != referencePtr {
		return nil, errors.Wrapf(ErrIO, "%s handler at 0x%x reads back as "+
			"0x%x, expected 0x%x", target.Key, after.Offset,
			after.HandlerPointer, referencePtr)
	}
	logRecord("key after", t.Generation, after, change.PayloadAfter)
	return change, nil
}

// Overwrites the marker record's payload, leaving its handler alone.
func markRecord(img *Image, t *KeyTable, marker *KeyPatch) (*RecordChange,
	error) {
	r, e := t.FindRecord(img, marker.Key)
	if e != nil {
		return nil, e
	}
	change := &RecordChange{Before: *r, After: *r}
	change.PayloadBefore, e = r.Payload(img)
	if e != nil {
		return nil, errors.Wrapf(e, "reading %s payload", marker.Key)
	}
	logRecord("key before", t.Generation, r, change.PayloadBefore)
	e = EncodePayload(img, r, []byte(marker.Payload))
	if e != nil {
		return nil, errors.Wrapf(e, "writing %s payload", marker.Key)
	}
	e = img.Flush()
	if e != nil {
		return nil, e
	}
	change.PayloadAfter, e = r.Payload(img)
	if e != nil {
		return nil, errors.Wrapf(e, "re-reading %s payload", marker.Key)
	}
	logRecord("key after", t.Generation, r, change.PayloadAfter)
	return change, nil
}

// Patches a single table generation according to plan. If the generation is
// already patched nothing is written and the report's AlreadyPatched field is
// set.
func PatchGeneration(img *Image, t *KeyTable,
	plan *GenerationPlan) (*GenerationReport, error) {
	report := &GenerationReport{
		Table:     t,
		Displaced: make(map[string]uint64),
	}
	reference, e := t.FindRecord(img, plan.Reference)
	if e != nil {
		return nil, e
	}
	report.ReferencePointer = reference.HandlerPointer
	patched, e := generationPatched(img, t, plan)
	if e != nil {
		return nil, e
	}
	if patched {
		log.WithField("generation", t.Generation.String()).
			Info("table already patched")
		report.AlreadyPatched = true
		return report, nil
	}
	log.WithFields(log.Fields{
		"generation": t.Generation.String(),
		"header":     fmt.Sprintf("0x%08x", t.HeaderOffset),
		"keys":       fmt.Sprintf("0x%08x", t.KeysOffset),
		"reference":  plan.Reference,
		"handler":    fmt.Sprintf("0x%08x", reference.HandlerPointer),
	}).Info("patching table")
	for i := range plan.Targets {
		target := &(plan.Targets[i])
		change, e := redirectRecord(img, t, target, report.ReferencePointer)
		if e != nil {
			return nil, errors.Wrapf(e, "%s", t.Generation)
		}
		report.Changes = append(report.Changes, *change)
		// A target already pointing at the reference routine, e.g. after an
		// interrupted run, no longer reveals the pointer it displaced.
		if change.Before.HandlerPointer == report.ReferencePointer {
			log.WithFields(log.Fields{
				"generation": t.Generation.String(),
				"key":        target.Key,
			}).Warn("key was already redirected")
			continue
		}
		report.Displaced[target.Key] = change.Before.HandlerPointer
	}
	if plan.Marker != nil {
		change, e := markRecord(img, t, plan.Marker)
		if e != nil {
			return nil, errors.Wrapf(e, "%s", t.Generation)
		}
		report.Changes = append(report.Changes, *change)
	}
	return report, nil
}

// Runs the relocation fixer for the displaced pointer and records the result
// in the report. Entries rewritten before an error are still recorded. The raw
// pointer fallback is only used if the section table itself can't be parsed.
func fixReferences(img *Image, c *Config, report *Report) error {
	r := &c.Relocation
	if r.Disabled {
		return nil
	}
	if !IsELF(img) {
		log.Debug("not an ELF image, skipping relocations")
		return nil
	}
	f, e := ParseELF64Image(img)
	if e != nil {
		if !r.RawFallback {
			return errors.Wrap(e, "parsing ELF sections")
		}
		log.WithError(e).Warn("can't parse the ELF section table, falling " +
			"back to raw pointer replacement")
		offsets, e := ReplacePointerBytes(img, report.OldPointer,
			report.NewPointer)
		report.RawRelocations = offsets
		flushErr := img.Flush()
		if e != nil {
			return errors.Wrap(e, "replacing raw pointers")
		}
		if flushErr != nil {
			return flushErr
		}
	} else {
		fixes, e := f.FixRelocations(report.OldPointer, report.NewPointer)
		report.Relocations = fixes
		flushErr := img.Flush()
		if e != nil {
			return errors.Wrap(e, "fixing relocations")
		}
		if flushErr != nil {
			return flushErr
		}
	}
	if report.RelocationsModified() != r.ExpectedCount {
		report.RelocationWarning = &RelocationCountMismatch{
			Expected: r.ExpectedCount,
			Actual:   report.RelocationsModified(),
		}
	}
	return nil
}

// Patches both table generations in the image and fixes relocations
// referencing the displaced handler. A nil profile uses DefaultConfig.
//
// Nothing is written if either table can't be located, or if the image is
// already patched. The caller owns the image and must close it to commit the
// changes. On error the returned report describes the steps that completed.
func Patch(img *Image, c *Config) (*Report, error) {
	if c == nil {
		c = DefaultConfig()
	}
	e := c.Validate()
	if e != nil {
		return nil, e
	}
	report := &Report{Status: StatusPatched}
	tables, e := LocateTables(img, c.AnchorKey)
	if e != nil {
		return report, e
	}
	patched, e := tablesPatched(img, tables, c)
	if e != nil {
		return report, e
	}
	if patched {
		log.WithField("file", img.Path()).Info("file is already patched")
		report.Status = StatusAlreadyPatched
		return report, nil
	}
	var relocationSource *GenerationReport
	for _, t := range tables {
		g, e := PatchGeneration(img, t, c.Plan(t.Generation))
		if e != nil {
			return report, e
		}
		report.Generations = append(report.Generations, g)
		if t.Generation == c.Relocation.Generation {
			relocationSource = g
		}
	}
	if c.Relocation.Disabled {
		return report, nil
	}
	displaced, ok := relocationSource.Displaced[c.Relocation.Target]
	if !ok {
		// The source target was redirected by an earlier run, so its
		// displaced pointer is gone.
		log.WithField("generation", c.Relocation.Generation.String()).
			Warn("displaced pointer unavailable, relocations not fixed")
		report.Status = StatusPatchedWithRelocationWarning
		report.RelocationWarning = &RelocationCountMismatch{
			Expected: c.Relocation.ExpectedCount,
		}
		return report, nil
	}
	report.OldPointer = displaced
	report.NewPointer = relocationSource.ReferencePointer
	e = fixReferences(img, c, report)
	if e != nil {
		return report, e
	}
	if report.RelocationWarning != nil {
		report.Status = StatusPatchedWithRelocationWarning
		log.WithError(report.RelocationWarning).Warn("unexpected relocation " +
			"count")
	}
	return report, nil
}
