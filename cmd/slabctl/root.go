package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/pkg/slabkit"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "slabctl",
	Short: "Inspect and exercise the slabkit allocator",
	Long: `slabctl opens a slabkit allocator stack from a configuration file and
lets you inspect its size classes, render slabinfo reports, run concurrent
stress workloads and poke at it interactively.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "Path to a slabkit config file (JSONC)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads --config, applies the environment and the verbosity flags.
func loadConfig() (slabkit.Config, error) {
	cfg, err := slabkit.LoadConfig(configPath)
	if err != nil {
		return slabkit.Config{}, err
	}
	cfg.ApplyEnv(environ())
	switch {
	case quiet:
		cfg.Log.Level = "error"
	case verbose:
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// openSystem opens the allocator stack described by the loaded config.
func openSystem() (*slabkit.System, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	printVerbose("Opening system (backing %s, min size %d)\n", cfg.Page.Backing, cfg.Kmalloc.MinSize)
	return slabkit.Open(cfg)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
