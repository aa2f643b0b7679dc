package smc_patcher

// This file holds the patch profile: which keys to redirect, what to write
// into them, and how to treat relocations. DefaultConfig matches the VMware
// vmx builds this was written against; a YAML profile can override any part
// of it for other builds.

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// The first key of every table.
	DefaultAnchorKey = "#KEY"
	// The key whose handler is the default routine the targets are pointed at.
	DefaultReferenceKey = "+LKS"
	// Written into KPPW to mark a file as patched.
	DefaultMarkerPayload = "SpecialisRevelio"
	// The number of .rela.dyn entries referencing the OSK handler in the vmx
	// builds this was written against.
	DefaultExpectedRelocations = 4
)

// A key to rewrite and the payload to write into it.
type KeyPatch struct {
	Key     string `yaml:"key"`
	Payload string `yaml:"payload"`
}

// Describes what to patch in one table generation.
type GenerationPlan struct {
	Reference string     `yaml:"reference"`
	Targets   []KeyPatch `yaml:"targets"`
	// Only the payload of the marker is changed. May be nil.
	Marker *KeyPatch `yaml:"marker,omitempty"`
}

type RelocationConfig struct {
	// The displaced pointer of this generation's target is the one searched
	// for in the relocation sections.
	Generation Generation `yaml:"generation"`
	Target     string     `yaml:"target"`
	// A different count produces a warning rather than an error.
	ExpectedCount int `yaml:"expected_count"`
	// Fall back to a raw byte search-and-replace of the pointer if the ELF
	// section table can't be parsed. This can corrupt unrelated data.
	RawFallback bool `yaml:"raw_fallback"`
	Disabled    bool `yaml:"disabled"`
}

// Commands run around the patch, e.g. to stop and restart the service using
// the file. Each is split like a shell command line, but not run by a shell.
type HooksConfig struct {
	Before []string `yaml:"before"`
	After  []string `yaml:"after"`
}

type Config struct {
	AnchorKey  string           `yaml:"anchor_key"`
	V0         GenerationPlan   `yaml:"v0"`
	V1         GenerationPlan   `yaml:"v1"`
	Relocation RelocationConfig `yaml:"relocation"`
	Hooks      HooksConfig      `yaml:"hooks"`
}

// Returns the profile for the VMware vmx builds with both table generations.
func DefaultConfig() *Config {
	targets := func() []KeyPatch {
		return []KeyPatch{
			{Key: "OSK0", Payload: "ourhardworkbythesewordsguardedpl"},
			{Key: "OSK1", Payload: "easedontsteal(c)AppleComputerInc"},
		}
	}
	return &Config{
		AnchorKey: DefaultAnchorKey,
		V0: GenerationPlan{
			Reference: DefaultReferenceKey,
			Targets:   targets(),
		},
		V1: GenerationPlan{
			Reference: DefaultReferenceKey,
			Targets:   targets(),
			Marker: &KeyPatch{
				Key:     "KPPW",
				Payload: DefaultMarkerPayload,
			},
		},
		Relocation: RelocationConfig{
			Generation:    Generation1,
			Target:        "OSK1",
			ExpectedCount: DefaultExpectedRelocations,
		},
	}
}

// Reads a YAML profile from the given path. Settings the profile doesn't
// mention keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, e := os.ReadFile(path)
	if e != nil {
		return nil, &IOError{Op: "read", Path: path, Err: e}
	}
	c, e := ParseConfig(data)
	if e != nil {
		return nil, errors.Wrapf(e, "profile %s", path)
	}
	return c, nil
}

// Parses a YAML profile on top of DefaultConfig. Unknown fields are errors.
func ParseConfig(data []byte) (*Config, error) {
	c := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	e := decoder.Decode(c)
	if (e != nil) && (e != io.EOF) {
		return nil, errors.Wrap(e, "decoding profile")
	}
	e = c.Validate()
	if e != nil {
		return nil, e
	}
	return c, nil
}

// Returns the plan for the given generation.
func (c *Config) Plan(g Generation) *GenerationPlan {
	if g == Generation1 {
		return &c.V1
	}
	return &c.V0
}

func validateKey(what, key string) error {
	if len(key) != 4 {
		return errors.Wrapf(ErrInvalidConfig, "%s %q must be exactly 4 bytes",
			what, key)
	}
	return nil
}

func validatePatch(what string, p *KeyPatch) error {
	e := validateKey(what, p.Key)
	if e != nil {
		return e
	}
	if len(p.Payload) > KeyPayloadSize {
		return errors.Wrapf(ErrLengthMismatch, "%s %s payload is %d bytes, "+
			"the maximum is %d", what, p.Key, len(p.Payload), KeyPayloadSize)
	}
	return nil
}

// Checks that every key name and payload in the profile can be used.
func (c *Config) Validate() error {
	e := validateKey("anchor key", c.AnchorKey)
	if e != nil {
		return e
	}
	for _, g := range Generations {
		plan := c.Plan(g)
		e = validateKey(g.String()+" reference key", plan.Reference)
		if e != nil {
			return e
		}
		if len(plan.Targets) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s has no target keys", g)
		}
		for i := range plan.Targets {
			e = validatePatch(g.String()+" target", &(plan.Targets[i]))
			if e != nil {
				return e
			}
		}
		if plan.Marker != nil {
			e = validatePatch(g.String()+" marker", plan.Marker)
			if e != nil {
				return e
			}
		}
	}
	r := &c.Relocation
	if r.Disabled {
		return nil
	}
	if (r.Generation != Generation0) && (r.Generation != Generation1) {
		return errors.Wrapf(ErrInvalidConfig, "relocation generation %d",
			uint8(r.Generation))
	}
	if r.ExpectedCount < 0 {
		return errors.Wrapf(ErrInvalidConfig, "expected relocation count %d",
			r.ExpectedCount)
	}
	found := false
	for _, t := range c.Plan(r.Generation).Targets {
		if t.Key == r.Target {
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(ErrInvalidConfig, "relocation target %s isn't a "+
			"target of %s", r.Target, r.Generation)
	}
	return nil
}
