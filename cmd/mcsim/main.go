// Package main provides the entry point for mcsim, a cycle-accurate
// multicore memory-hierarchy timing simulator driven by request traces.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sarchlab/mcsim/timing/system"
)

var (
	configPath = flag.String("config", "", "Path to system configuration JSON file")
	cores      = flag.Int("cores", 0, "Override the number of cores")
	replPolicy = flag.String("repl", "", "Replacement policy: lru, dip, drrip, eaf")
	inclusion  = flag.String("inclusion", "", "Inclusion policy: inclusive, exclusive, nine")
	pagePolicy = flag.String("page", "", "DRAM page policy: open, closed")
	maxCycles  = flag.Uint64("max-cycles", 10_000_000, "Abort if the trace does not drain in time")
	verbose    = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: mcsim [options] <trace-file>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	tracePath := flag.Arg(0)

	cfg := system.DefaultConfig()
	if *configPath != "" {
		loaded, err := system.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *cores > 0 {
		cfg.NumCores = *cores
	}
	if *replPolicy != "" {
		cfg.ReplacementPolicy = *replPolicy
	}
	if *inclusion != "" {
		cfg.InclusionPolicy = *inclusion
	}
	if *pagePolicy != "" {
		cfg.DRAMPagePolicy = *pagePolicy
	}

	f, err := os.Open(tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening trace: %v\n", err)
		os.Exit(1)
	}
	reqs, err := system.ParseTrace(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing trace: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Printf("Trace: %s (%d requests)\n", tracePath, len(reqs))
		fmt.Printf("Cores: %d, replacement: %s, inclusion: %s, page policy: %s\n",
			cfg.NumCores, cfg.ReplacementPolicy, cfg.InclusionPolicy, cfg.DRAMPagePolicy)
	}

	sys, err := system.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building system: %v\n", err)
		os.Exit(1)
	}

	runner, err := system.NewRunner(sys, reqs, *maxCycles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing run: %v\n", err)
		os.Exit(1)
	}

	result, err := runner.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}

	printSummary(sys, result)
}

func printSummary(sys *system.System, result system.RunResult) {
	sum := sys.Summary()

	fmt.Printf("\n")
	fmt.Printf("Requests completed: %d\n", result.Completed)
	fmt.Printf("Total Cycles: %d\n", sum.Cycles)

	fmt.Printf("\nL1I:  reads %d  hits %d  misses %d\n",
		sum.L1I.Reads, sum.L1I.Hits, sum.L1I.Misses)
	fmt.Printf("L1D:  reads %d  writes %d  hits %d  misses %d  upgrades %d  writebacks %d\n",
		sum.L1D.Reads, sum.L1D.Writes, sum.L1D.Hits, sum.L1D.Misses,
		sum.L1D.UpgradeMisses, sum.L1D.Writebacks)
	fmt.Printf("LLC:  accesses %d  hits %d  misses %d  writebacks %d  back-invalidations %d\n",
		sum.LLC.Reads+sum.LLC.Writes, sum.LLC.Hits, sum.LLC.Misses,
		sum.LLC.Writebacks, sum.LLC.BackInvalidations)
	fmt.Printf("DRAM: reads %d  writes %d  row hits %d  closed %d  conflicts %d\n",
		sum.DRAM.Reads, sum.DRAM.Writes, sum.DRAM.RowHits,
		sum.DRAM.RowClosed, sum.DRAM.RowConflicts)

	totalL1 := sum.L1I.Hits + sum.L1I.Misses + sum.L1D.Hits + sum.L1D.Misses
	if totalL1 > 0 {
		hitRate := float64(sum.L1I.Hits+sum.L1D.Hits) / float64(totalL1)
		fmt.Printf("\nL1 hit rate: %.2f%%\n", hitRate*100)
	}
}
