package smc_patcher

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	e := c.Validate()
	if e != nil {
		t.Logf("The default profile is invalid: %s\n", e)
		t.FailNow()
	}
	if (c.V0.Marker != nil) || (c.V1.Marker == nil) {
		t.Logf("Only gen1 should have a marker\n")
		t.Fail()
	}
	if c.Plan(Generation1) != &c.V1 {
		t.Logf("Plan returned the wrong generation\n")
		t.Fail()
	}
	for _, target := range c.V1.Targets {
		if len(target.Payload) != 32 {
			t.Logf("Unexpected %s payload length %d\n", target.Key,
				len(target.Payload))
			t.Fail()
		}
	}
}

func TestParseConfig(t *testing.T) {
	c, e := ParseConfig(nil)
	if e != nil {
		t.Logf("Failed parsing an empty profile: %s\n", e)
		t.FailNow()
	}
	if c.Relocation.ExpectedCount != DefaultExpectedRelocations {
		t.Logf("An empty profile didn't keep the defaults\n")
		t.Fail()
	}
	profile := []byte(`
relocation:
  expected_count: 6
  raw_fallback: true
hooks:
  before:
    - /etc/init.d/hostd stop
  after:
    - /etc/init.d/hostd restart
v1:
  reference: +LKS
  targets:
    - key: OSK1
      payload: easedontsteal(c)AppleComputerInc
`)
	c, e = ParseConfig(profile)
	if e != nil {
		t.Logf("Failed parsing a valid profile: %s\n", e)
		t.FailNow()
	}
	if (c.Relocation.ExpectedCount != 6) || !c.Relocation.RawFallback {
		t.Logf("Relocation settings weren't applied: %+v\n", c.Relocation)
		t.Fail()
	}
	if c.Relocation.Target != "OSK1" {
		t.Logf("The default relocation target was lost\n")
		t.Fail()
	}
	if (len(c.Hooks.Before) != 1) || (len(c.Hooks.After) != 1) {
		t.Logf("Incorrect hooks: %+v\n", c.Hooks)
		t.Fail()
	}
	if len(c.V1.Targets) != 1 {
		t.Logf("Expected 1 gen1 target, got %d\n", len(c.V1.Targets))
		t.Fail()
	}
	// Fields the profile doesn't mention keep their defaults.
	if (c.V1.Marker == nil) || (c.V1.Marker.Key != "KPPW") {
		t.Logf("The default gen1 marker was lost: %+v\n", c.V1.Marker)
		t.Fail()
	}
	if len(c.V0.Targets) != 2 {
		t.Logf("The gen0 plan wasn't kept\n")
		t.Fail()
	}
}

func TestParseConfigErrors(t *testing.T) {
	bad := map[string]string{
		"unknown field": "relocation:\n  expected: 4\n",
		"short key":     "anchor_key: KEY\n",
		"long payload": "v0:\n  reference: +LKS\n  targets:\n" +
			"    - key: OSK0\n      payload: " + strings.Repeat("a", 49) +
			"\n",
		"no targets": "v0:\n  reference: +LKS\n  targets: []\n",
		"bad target": "relocation:\n  target: OSK9\n",
	}
	for name, profile := range bad {
		_, e := ParseConfig([]byte(profile))
		if e == nil {
			t.Logf("Didn't get an error for the %s profile\n", name)
			t.Fail()
			continue
		}
		t.Logf("Got expected error for the %s profile: %s\n", name, e)
	}
	for _, name := range []string{"short key", "no targets", "bad target"} {
		_, e := ParseConfig([]byte(bad[name]))
		if !errors.Is(e, ErrInvalidConfig) {
			t.Logf("Expected ErrInvalidConfig for the %s profile, got %v\n",
				name, e)
			t.Fail()
		}
	}
	c := DefaultConfig()
	c.Relocation.ExpectedCount = -1
	e := c.Validate()
	if !errors.Is(e, ErrInvalidConfig) {
		t.Logf("Expected ErrInvalidConfig for a negative count, got %v\n", e)
		t.Fail()
	}
	_, e = ParseConfig([]byte(bad["long payload"]))
	if !errors.Is(e, ErrLengthMismatch) {
		t.Logf("Expected ErrLengthMismatch for a long payload, got %v\n", e)
		t.Fail()
	}
	_, e = LoadConfig(t.TempDir() + "/missing.yaml")
	if !errors.Is(e, ErrIO) {
		t.Logf("Expected ErrIO loading a missing profile, got %v\n", e)
		t.Fail()
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeTempFile(t, "profile.yaml", []byte("anchor_key: \"#KEY\"\n"+
		"relocation:\n  disabled: true\n"))
	c, e := LoadConfig(path)
	if e != nil {
		t.Logf("Failed loading %s: %s\n", path, e)
		t.FailNow()
	}
	if !c.Relocation.Disabled {
		t.Logf("The profile wasn't applied\n")
		t.Fail()
	}
	img := buildELFImage()
	report, e := Patch(img, c)
	if e != nil {
		t.Logf("Failed patching with relocations disabled: %s\n", e)
		t.FailNow()
	}
	if (report.Status != StatusPatched) || (report.RelocationsModified() != 0) {
		t.Logf("Relocations were fixed despite being disabled: %s, %d\n",
			report.Status, report.RelocationsModified())
		t.Fail()
	}
}
