package main

import (
	"os"
	"os/exec"
	"testing"

	"github.com/yalue/smc_patcher"
)

func TestParseHook(t *testing.T) {
	words, e := parseHook(`/etc/init.d/hostd stop`)
	if e != nil {
		t.Logf("Failed parsing a simple hook: %s\n", e)
		t.FailNow()
	}
	if (len(words) != 2) || (words[0] != "/etc/init.d/hostd") ||
		(words[1] != "stop") {
		t.Logf("Got unexpected words: %q\n", words)
		t.Fail()
	}
	words, e = parseHook(`systemctl restart "my service" 'a b'`)
	if e != nil {
		t.Logf("Failed parsing a quoted hook: %s\n", e)
		t.FailNow()
	}
	if (len(words) != 4) || (words[2] != "my service") ||
		(words[3] != "a b") {
		t.Logf("Quoted arguments weren't kept together: %q\n", words)
		t.Fail()
	}
	_, e = parseHook("   ")
	if e == nil {
		t.Logf("Didn't get an error for an empty hook.\n")
		t.Fail()
	} else {
		t.Logf("Got expected error for an empty hook: %s\n", e)
	}
	_, e = parseHook(`echo "unterminated`)
	if e == nil {
		t.Logf("Didn't get an error for an unterminated quote.\n")
		t.Fail()
	} else {
		t.Logf("Got expected error for a bad hook: %s\n", e)
	}
}

func TestRunHooksEmpty(t *testing.T) {
	e := runHooks("before", nil)
	if e != nil {
		t.Logf("Running no hooks returned an error: %s\n", e)
		t.Fail()
	}
	e = runHooks("before", []string{""})
	if e == nil {
		t.Logf("Didn't get an error when running an empty hook.\n")
		t.Fail()
	}
}

func TestWithHooksBeforeFailure(t *testing.T) {
	for _, program := range []string{"false", "touch"} {
		_, e := exec.LookPath(program)
		if e != nil {
			t.Skipf("Can't find %s: %s\n", program, e)
		}
	}
	marker := t.TempDir() + "/after_ran"
	hooks := smc_patcher.HooksConfig{
		Before: []string{"false"},
		After:  []string{"touch " + marker},
	}
	patched := false
	status := withHooks(&hooks, func() int {
		patched = true
		return exitOK
	})
	if status != exitError {
		t.Logf("Expected exit status %d, got %d\n", exitError, status)
		t.Fail()
	}
	if patched {
		t.Logf("Patched after a before hook failed\n")
		t.Fail()
	}
	_, e := os.Stat(marker)
	if e != nil {
		t.Logf("The after hook didn't run: %s\n", e)
		t.Fail()
	}
}

func TestWithHooksPatchStatus(t *testing.T) {
	var hooks smc_patcher.HooksConfig
	status := withHooks(&hooks, func() int {
		return exitWarning
	})
	if status != exitWarning {
		t.Logf("Expected exit status %d, got %d\n", exitWarning, status)
		t.Fail()
	}
	hooks.After = []string{`echo "unterminated`}
	status = withHooks(&hooks, func() int {
		return exitOK
	})
	if status != exitError {
		t.Logf("Expected exit status %d for a bad after hook, got %d\n",
			exitError, status)
		t.Fail()
	}
}
