// The smc_dump executable prints the vSMC key tables found in a vmx
// executable (or any image containing them) without modifying it. It can also
// show the ELF sections and the relocations referencing the key handlers, to
// check what smc_patch will change.
//
// Example usage: ./smc_dump -file /bin/vmx -show_relocations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
	"github.com/yalue/smc_patcher"
)

func dumpTable(img *smc_patcher.Image, t *smc_patcher.KeyTable) error {
	records, e := smc_patcher.ListTable(img, t)
	if e != nil {
		// Still show the records that could be decoded.
		log.WithError(e).Error("Failed decoding the whole table")
	}
	fmt.Println()
	return smc_patcher.WriteListing(os.Stdout, t, records)
}

func printSections(f *smc_patcher.ELF64File) error {
	var name string
	var e error
	for i := range f.Sections {
		if i != 0 {
			name, e = f.GetSectionName(uint16(i))
		} else {
			name, e = "<null section>", nil
		}
		if e != nil {
			return errors.Wrapf(e, "getting section %d name", i)
		}
		fmt.Printf("%d. %s: %s\n", i, name, &(f.Sections[i]))
	}
	return nil
}

// Prints the relocations whose addend is the handler pointer of one of the
// given records, keyed by that pointer.
func printRelocations(f *smc_patcher.ELF64File,
	handlers map[uint64]string) error {
	for i := range f.Sections {
		if !f.IsRelaTable(uint16(i)) {
			continue
		}
		name, e := f.GetSectionName(uint16(i))
		if e != nil {
			return errors.Wrap(e, "getting relocation table name")
		}
		relocations, e := f.GetRelaTable(uint16(i))
		if e != nil {
			return errors.Wrap(e, "reading relocation table")
		}
		fmt.Printf("%d relocations in section %s\n", len(relocations), name)
		for j := range relocations {
			r := &(relocations[j])
			keys, ok := handlers[uint64(r.AddendValue)]
			if !ok {
				continue
			}
			fmt.Printf("  %d. %s (%s)\n", j, r, keys)
		}
	}
	return nil
}

// Maps the handler pointer of each key named in the profile to a description
// of the keys using it.
func profileHandlers(img *smc_patcher.Image, tables []*smc_patcher.KeyTable,
	config *smc_patcher.Config) map[uint64]string {
	toReturn := make(map[uint64]string)
	for _, t := range tables {
		plan := config.Plan(t.Generation)
		names := []string{plan.Reference}
		for _, target := range plan.Targets {
			names = append(names, target.Key)
		}
		for _, name := range names {
			r, e := t.FindRecord(img, name)
			if e != nil {
				log.WithError(e).Warn("Skipping key")
				continue
			}
			description := fmt.Sprintf("%s %s", t.Generation, name)
			if existing, ok := toReturn[r.HandlerPointer]; ok {
				description = existing + ", " + description
			}
			toReturn[r.HandlerPointer] = description
		}
	}
	return toReturn
}

func run() int {
	var inputFile, configFile string
	var showSections, showRelocations, verbose bool
	flag.StringVar(&inputFile, "file", "",
		"The path to the file containing the vSMC tables. This is required.")
	flag.StringVar(&configFile, "config", "",
		"An optional YAML patch profile naming the keys of interest.")
	flag.BoolVar(&showSections, "show_sections", false,
		"Prints a list of the ELF sections if set.")
	flag.BoolVar(&showRelocations, "show_relocations", false, "Prints the "+
		"relocations referencing the handlers of the profile's keys if set.")
	flag.BoolVar(&verbose, "v", false, "Log each lookup if set.")
	flag.Parse()
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if inputFile == "" {
		log.Error("Invalid arguments. Run with -help for more information.")
		return 1
	}
	config := smc_patcher.DefaultConfig()
	var e error
	if configFile != "" {
		config, e = smc_patcher.LoadConfig(configFile)
		if e != nil {
			log.WithError(e).Error("Failed loading the patch profile")
			return 1
		}
	}
	img, e := smc_patcher.OpenImage(inputFile)
	if e != nil {
		log.WithError(e).Error("Failed opening the input file")
		return 1
	}
	defer img.Close()
	fmt.Printf("File: %s\n", inputFile)
	status := 0
	var tables []*smc_patcher.KeyTable
	for _, g := range smc_patcher.Generations {
		t, e := smc_patcher.LocateTable(img, g, config.AnchorKey)
		if e != nil {
			log.WithError(e).Errorf("Failed locating %s", g)
			status = 1
			continue
		}
		tables = append(tables, t)
		e = dumpTable(img, t)
		if e != nil {
			log.WithError(e).Error("Failed dumping table")
			status = 1
		}
	}
	if !showSections && !showRelocations {
		return status
	}
	elf, e := smc_patcher.ParseELF64Image(img)
	if e != nil {
		log.WithError(e).Error("Failed parsing the ELF sections")
		return 1
	}
	fmt.Printf("\n%s\n", &(elf.Header))
	if showSections {
		fmt.Println("==== Sections ====")
		e = printSections(elf)
		if e != nil {
			log.WithError(e).Error("Error printing sections")
			return 1
		}
	}
	if showRelocations {
		fmt.Println("==== Relocations ====")
		e = printRelocations(elf, profileHandlers(img, tables, config))
		if e != nil {
			log.WithError(e).Error("Error printing relocations")
			return 1
		}
	}
	return status
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	os.Exit(run())
}
