package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/pkg/slabinfo"
)

var (
	stressGoroutines int
	stressOps        int
	stressSeed       uint64
	stressMaxSize    = sizeFlag{size: 4096}
	stressGFP        gfpFlag
)

func init() {
	rootCmd.AddCommand(newStressCmd())
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent malloc/free workload and verify the heap",
		Long: `The stress command starts several goroutines that allocate and free
random sizes concurrently. Every object is filled with a pattern on
allocation and checked before it is freed; at the end every cache is
validated and must be empty.

Example:
  slabctl stress
  slabctl stress --goroutines 16 --ops 100000 --max-size 16k
  slabctl stress --gfp ZERO --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(args)
		},
	}
	cmd.Flags().IntVarP(&stressGoroutines, "goroutines", "g", 4, "Number of concurrent workers")
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 10000, "Operations per worker")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Base seed; worker i uses seed+i")
	cmd.Flags().Var(&stressMaxSize, "max-size", "Largest request a worker makes")
	cmd.Flags().Var(&stressGFP, "gfp", "Allocation flags for every request")
	return cmd
}

// stressResult summarizes a stress run.
type stressResult struct {
	Goroutines int             `json:"goroutines"`
	Ops        int             `json:"ops_per_goroutine"`
	Allocs     uint64          `json:"allocs"`
	Frees      uint64          `json:"frees"`
	Failures   uint64          `json:"failures"`
	Elapsed    string          `json:"elapsed"`
	Peak       slabinfo.Totals `json:"peak"`
}

func runStress(args []string) (err error) {
	if stressGoroutines < 1 {
		return fmt.Errorf("--goroutines must be at least 1")
	}
	sys, err := openSystem()
	if err != nil {
		return fmt.Errorf("failed to open system: %w", err)
	}
	defer func() {
		err = errors.Join(err, sys.Close())
	}()

	printVerbose("Starting %d workers x %d ops\n", stressGoroutines, stressOps)

	workers := make([]*workload, stressGoroutines)
	for i := range workers {
		workers[i] = newWorkload(sys.Heap(), stressSeed+uint64(i), stressMaxSize.size, stressGFP.flags)
		workers[i].verify = true
	}

	start := time.Now()
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(stressOps); err != nil {
				errs[i] = fmt.Errorf("worker %d: %w", i, err)
			}
		}()
	}

	// Workers keep their live objects after run; sample before releasing.
	wg.Wait()
	peak := slabinfo.Sum(sys.Caches())
	for i, w := range workers {
		if err := w.release(); err != nil && errs[i] == nil {
			errs[i] = fmt.Errorf("worker %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := sys.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	res := stressResult{
		Goroutines: stressGoroutines,
		Ops:        stressOps,
		Elapsed:    elapsed.Round(time.Microsecond).String(),
		Peak:       peak,
	}
	for _, w := range workers {
		res.Allocs += w.allocs
		res.Frees += w.frees
		res.Failures += w.failures
	}
	if res.Allocs != res.Frees {
		return fmt.Errorf("%d allocations but %d frees", res.Allocs, res.Frees)
	}

	if jsonOut {
		return printJSON(res)
	}
	printInfo("\nStress Results:\n")
	printInfo("  Workers: %d x %d ops\n", res.Goroutines, res.Ops)
	printInfo("  Allocations: %d\n", res.Allocs)
	printInfo("  Frees: %d\n", res.Frees)
	printInfo("  Failures: %d\n", res.Failures)
	printInfo("  Elapsed: %s\n", res.Elapsed)
	printInfo("  Peak active objects: %d in %d slabs\n", res.Peak.ActiveObjs, res.Peak.Slabs)
	printInfo("\nValidation:\n")
	printInfo("  ✓ Object patterns intact\n")
	printInfo("  ✓ Cache structures consistent\n")
	return nil
}
