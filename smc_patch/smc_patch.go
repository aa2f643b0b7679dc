// The smc_patch executable patches the vSMC key tables in a VMware vmx
// executable so that the OSK0 and OSK1 keys are served by the default key
// handler, and optionally patches the smcPresent check in ESXi's libvmkctl.
//
// Usage:
//
//	./smc_patch -file /bin/vmx -vmkctl /lib64/libvmkctl.so
//	./smc_patch -file /bin/vmx -check
//
// Hook commands from the profile's before list run first, and nothing is
// patched if one fails. The after list always runs, even when a before hook
// or the patch failed.
//
// Exit status is 0 if the file was patched or was already patched, 2 if it
// was patched but the number of fixed relocations was unexpected, 3 if -check
// finds the file unpatched, and 1 on any error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/yalue/smc_patcher"
)

const (
	exitOK         = 0
	exitError      = 1
	exitWarning    = 2
	exitNotPatched = 3
)

func printReport(path string, r *smc_patcher.Report) {
	fmt.Printf("File: %s\n", path)
	fmt.Printf("Status: %s\n", r.Status)
	for _, g := range r.Generations {
		if g.AlreadyPatched {
			fmt.Printf("%s: already patched\n", g.Table.Generation)
			continue
		}
		fmt.Printf("%s: reference handler 0x%08x\n", g.Table.Generation,
			g.ReferencePointer)
		for i := range g.Changes {
			fmt.Printf("  %s\n", &(g.Changes[i]))
		}
	}
	if (r.RelocationsModified() == 0) && (r.RelocationWarning == nil) {
		return
	}
	fmt.Printf("Relocations: 0x%08x -> 0x%08x\n", r.OldPointer, r.NewPointer)
	for i := range r.Relocations {
		fmt.Printf("  %s\n", &(r.Relocations[i]))
	}
	for _, offset := range r.RawRelocations {
		fmt.Printf("  raw pointer at 0x%08x\n", offset)
	}
	if r.RelocationWarning != nil {
		fmt.Printf("Warning: %s\n", r.RelocationWarning)
	}
}

func checkFile(path string, config *smc_patcher.Config) int {
	img, e := smc_patcher.OpenImage(path)
	if e != nil {
		log.WithError(e).Error("Failed opening the input file")
		return exitError
	}
	defer img.Close()
	patched, e := smc_patcher.IsPatched(img, config)
	if e != nil {
		log.WithError(e).Error("Failed checking the input file")
		return exitError
	}
	if !patched {
		fmt.Printf("%s is not patched\n", path)
		return exitNotPatched
	}
	fmt.Printf("%s is patched\n", path)
	return exitOK
}

// Patches the vmx file and closes it, so the changes are committed before the
// optional vmkctl patch and the after hooks run.
func patchFile(path string, config *smc_patcher.Config) int {
	img, e := smc_patcher.OpenImage(path)
	if e != nil {
		log.WithError(e).Error("Failed opening the input file")
		return exitError
	}
	report, e := smc_patcher.Patch(img, config)
	closeErr := img.Close()
	if e != nil {
		log.WithError(e).Error("Failed patching the input file")
		if report != nil {
			printReport(path, report)
		}
		return exitError
	}
	if closeErr != nil {
		log.WithError(closeErr).Error("Failed committing the patched file")
		return exitError
	}
	printReport(path, report)
	if report.Status == smc_patcher.StatusPatchedWithRelocationWarning {
		return exitWarning
	}
	return exitOK
}

func patchVmkctl(path string) int {
	img, e := smc_patcher.OpenImage(path)
	if e != nil {
		log.WithError(e).Error("Failed opening the vmkctl library")
		return exitError
	}
	result, e := smc_patcher.PatchSMCPresent(img)
	closeErr := img.Close()
	if e != nil {
		log.WithError(e).Error("Failed patching smcPresent")
		return exitError
	}
	if closeErr != nil {
		log.WithError(closeErr).Error("Failed committing the vmkctl library")
		return exitError
	}
	if result.AlreadyPatched {
		fmt.Printf("%s: smcPresent already patched\n", path)
	} else {
		fmt.Printf("%s: smcPresent patched at 0x%08x\n", path, result.Offset)
	}
	return exitOK
}

func run() int {
	var inputFile, configFile, vmkctlFile string
	var checkOnly, rawRelocations, verbose bool
	flag.StringVar(&inputFile, "file", "",
		"The path to the vmx executable to patch. This is required.")
	flag.StringVar(&configFile, "config", "",
		"An optional YAML patch profile overriding the built-in defaults.")
	flag.StringVar(&vmkctlFile, "vmkctl", "", "If set, also patch the "+
		"smcPresent check in the libvmkctl library at this path.")
	flag.BoolVar(&checkOnly, "check", false,
		"Only report whether the file is already patched.")
	flag.BoolVar(&rawRelocations, "raw_relocations", false, "Fall back to "+
		"replacing raw pointer bytes if the ELF sections can't be parsed.")
	flag.BoolVar(&verbose, "v", false, "Log each lookup if set.")
	flag.Parse()
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if inputFile == "" {
		log.Error("Invalid arguments. Run with -help for more information.")
		return exitError
	}
	config := smc_patcher.DefaultConfig()
	var e error
	if configFile != "" {
		config, e = smc_patcher.LoadConfig(configFile)
		if e != nil {
			log.WithError(e).Error("Failed loading the patch profile")
			return exitError
		}
	}
	if rawRelocations {
		config.Relocation.RawFallback = true
	}
	if checkOnly {
		return checkFile(inputFile, config)
	}
	return withHooks(&config.Hooks, func() int {
		status := patchFile(inputFile, config)
		if (status != exitError) && (vmkctlFile != "") {
			vmkctlStatus := patchVmkctl(vmkctlFile)
			if vmkctlStatus != exitOK {
				status = vmkctlStatus
			}
		}
		return status
	})
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	os.Exit(run())
}
