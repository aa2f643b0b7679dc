package main

import (
	"os"
	"os/exec"

	"github.com/apex/log"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"github.com/yalue/smc_patcher"
)

// Splits a hook command line into the program and its arguments, using shell
// quoting rules. Returns an error if the line is empty or badly quoted.
func parseHook(line string) ([]string, error) {
	words, e := shellquote.Split(line)
	if e != nil {
		return nil, errors.Wrapf(e, "invalid hook %q", line)
	}
	if len(words) == 0 {
		return nil, errors.Errorf("empty hook %q", line)
	}
	return words, nil
}

// Runs each command in order, stopping at the first failure. The commands
// share this process's stdout and stderr.
func runHooks(stage string, lines []string) error {
	for _, line := range lines {
		words, e := parseHook(line)
		if e != nil {
			return e
		}
		log.WithFields(log.Fields{
			"stage":   stage,
			"command": line,
		}).Info("running hook")
		cmd := exec.Command(words[0], words[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		e = cmd.Run()
		if e != nil {
			return errors.Wrapf(e, "%s hook %q", stage, line)
		}
	}
	return nil
}

// Runs the before hooks, then patch if they succeeded, then the after hooks.
// The after hooks typically restart services stopped by the before hooks, so
// they run even if a before hook or the patch failed. Returns patch's exit
// status, or exitError if any hook failed.
func withHooks(hooks *smc_patcher.HooksConfig, patch func() int) int {
	status := exitError
	e := runHooks("before", hooks.Before)
	if e != nil {
		log.WithError(e).Error("Failed running hooks, nothing was patched")
	} else {
		status = patch()
	}
	e = runHooks("after", hooks.After)
	if e != nil {
		log.WithError(e).Error("Failed running hooks")
		return exitError
	}
	return status
}
