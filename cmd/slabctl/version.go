package main

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/mm/kmalloc"
	"github.com/joshuapare/slabkit/mm/page"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// versionInfo is the build identity plus the allocator geometry compiled in.
type versionInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	Date         string `json:"date"`
	GoVersion    string `json:"go_version"`
	PageSize     int    `json:"page_size"`
	MaxOrder     int    `json:"max_order"`
	MaxCacheSize int    `json:"max_cache_size"`
	MaxSize      int    `json:"max_size"`
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion()
		},
	}
}

func runVersion() error {
	info := versionInfo{
		Version:      version,
		Commit:       commit,
		Date:         date,
		GoVersion:    runtime.Version(),
		PageSize:     page.Size,
		MaxOrder:     page.MaxOrder,
		MaxCacheSize: kmalloc.MaxCacheSize,
		MaxSize:      kmalloc.MaxSize,
	}
	if jsonOut {
		return printJSON(info)
	}

	printInfo("slabctl %s\n", info.Version)
	printInfo("  commit: %s\n", info.Commit)
	printInfo("  built: %s (%s)\n", info.Date, info.GoVersion)
	printInfo("  pages: %d bytes, max order %d\n", info.PageSize, info.MaxOrder)
	printInfo("  kmalloc: caches up to %d bytes, requests up to %d bytes\n", info.MaxCacheSize, info.MaxSize)
	return nil
}
