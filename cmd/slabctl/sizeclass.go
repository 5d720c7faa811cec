package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/mm/kmalloc"
)

var sizeclassGFP gfpFlag

func init() {
	rootCmd.AddCommand(newSizeclassCmd())
}

func newSizeclassCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sizeclass <size>...",
		Short: "Show which kmalloc cache serves a request size",
		Long: `The sizeclass command resolves each request size the way the kmalloc
front-end does and reports the class index, the serving cache and the
usable size the caller receives.

Example:
  slabctl sizeclass 1 96 97 8k 4M
  slabctl sizeclass 200 --gfp RECLAIMABLE
  slabctl sizeclass 64 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSizeclass(args)
		},
	}
	cmd.Flags().Var(&sizeclassGFP, "gfp", "Allocation flags used to pick the cache family")
	return cmd
}

// sizeclassRow is one resolved request.
type sizeclassRow struct {
	Size    uint   `json:"size"`
	Kind    string `json:"kind"`
	Index   int    `json:"index,omitempty"`
	Type    string `json:"type,omitempty"`
	Cache   string `json:"cache,omitempty"`
	Roundup uint   `json:"roundup"`
}

func runSizeclass(args []string) error {
	sizes := make([]uint, 0, len(args))
	for _, arg := range args {
		size, err := parseSize(arg)
		if err != nil {
			return err
		}
		sizes = append(sizes, size)
	}

	sys, err := openSystem()
	if err != nil {
		return fmt.Errorf("failed to open system: %w", err)
	}
	defer sys.Close()

	reg := sys.Registry()
	rows := make([]sizeclassRow, 0, len(sizes))
	for _, size := range sizes {
		row := sizeclassRow{Size: size, Roundup: reg.Table().SizeRoundup(size)}
		h := reg.Lookup(size, sizeclassGFP.flags)
		switch {
		case h.Zero:
			row.Kind = "zero"
		case size > kmalloc.MaxSize:
			row.Kind = "too-large"
			row.Roundup = 0
		case h.Large:
			row.Kind = "large"
		default:
			row.Kind = "slab"
			row.Index = h.Index
			row.Type = h.Type.String()
			row.Cache = h.Cache.Name()
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return printJSON(rows)
	}

	printInfo("%-10s %-10s %5s %-10s %-20s %10s\n", "SIZE", "KIND", "INDEX", "TYPE", "CACHE", "ROUNDUP")
	for _, row := range rows {
		index := "-"
		if row.Kind == "slab" {
			index = fmt.Sprintf("%d", row.Index)
		}
		printInfo("%-10d %-10s %5s %-10s %-20s %10d\n",
			row.Size, row.Kind, index, dash(row.Type), dash(row.Cache), row.Roundup)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
