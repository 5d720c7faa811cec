package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/slabkit/cmd/slabtop/logger"
	"github.com/joshuapare/slabkit/pkg/slabkit"
)

// options are the parsed command-line flags.
type options struct {
	debug      bool
	configPath string
	workload   bool
	interval   time.Duration
	help       bool
	version    bool
}

func parseArgs(args []string) (options, error) {
	opts := options{interval: defaultInterval}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}
		switch arg {
		case "-d", "--debug":
			opts.debug = true
		case "-w", "--workload":
			opts.workload = true
		case "-c", "--config":
			v, err := value()
			if err != nil {
				return opts, err
			}
			opts.configPath = v
		case "-i", "--interval":
			v, err := value()
			if err != nil {
				return opts, err
			}
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return opts, fmt.Errorf("invalid interval %q", v)
			}
			opts.interval = d
		case "-h", "--help":
			opts.help = true
		case "-v", "--version":
			opts.version = true
		default:
			return opts, fmt.Errorf("unknown option %q", arg)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if opts.help {
		printHelp()
		os.Exit(0)
	}
	if opts.version {
		fmt.Printf("slabtop %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built: %s\n", date)
		os.Exit(0)
	}

	// Initialize logger (must be before any logging calls)
	logPath, err := logger.Init(logger.Options{
		Enabled: opts.debug,
		Level:   slog.LevelDebug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to init logging: %v\n", err)
	}

	sys, err := openSystem(opts.configPath)
	if err != nil {
		logger.Error("open failed", "config", opts.configPath, "error", err)
		_ = logger.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("starting slabtop", "config", opts.configPath, "workload", opts.workload, "log", logPath)

	var bg *churn
	if opts.workload {
		bg = startChurn(sys.Heap(), uint64(time.Now().UnixNano()))
	}

	p := tea.NewProgram(NewModel(sys, opts.interval), tea.WithAltScreen())
	_, runErr := p.Run()

	if bg != nil {
		if err := bg.stop(); err != nil {
			logger.Warn("workload failed", "error", err)
		}
	}
	if err := sys.Close(); err != nil {
		logger.Warn("error closing system", "error", err)
	}
	if runErr != nil {
		logger.Error("TUI error", "error", runErr)
		_ = logger.Close()
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", runErr)
		os.Exit(1)
	}
	logger.Info("slabtop exited normally")
	_ = logger.Close()
	if logPath != "" {
		fmt.Printf("Log written to %s\n", logPath)
	}
}

// openSystem loads the config and routes system logs to the file logger.
func openSystem(path string) (*slabkit.System, error) {
	cfg, err := slabkit.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	cfg.ApplyEnv(env)
	cfg.Logger = logger.L
	return slabkit.Open(cfg)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: slabtop [options]\n")
	fmt.Fprintf(os.Stderr, "Try 'slabtop --help' for more information.\n")
}

func printHelp() {
	fmt.Println("slabtop - Live view of slabkit cache usage")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  slabtop [options]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Opens a slabkit allocator stack and shows its caches in a terminal UI,")
	fmt.Println("  refreshed periodically. With --workload a background goroutine keeps")
	fmt.Println("  allocating and freeing so the numbers move.")
	fmt.Println()
	fmt.Println("  Keys:")
	fmt.Println("    ↑/k, ↓/j    Move cursor")
	fmt.Println("    o a n s u c b")
	fmt.Println("                Sort by objects, active, name, size, use, cache size, slabs")
	fmt.Println("    r           Reverse order")
	fmt.Println("    space       Pause/resume refresh")
	fmt.Println("    e           Hide empty caches")
	fmt.Println("    x           Shrink all caches")
	fmt.Println("    y           Copy slabinfo to the clipboard")
	fmt.Println("    ?           Show help")
	fmt.Println("    q           Quit")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -c, --config <file>    slabkit config file (JSONC)")
	fmt.Println("  -i, --interval <dur>   Refresh interval (default 1s)")
	fmt.Println("  -w, --workload         Run a background allocation workload")
	fmt.Println("  -d, --debug            Enable debug logging to ~/.slabtop/logs/")
	fmt.Println("  -h, --help             Show this help message")
	fmt.Println("  -v, --version          Show version information")
	fmt.Println()
	fmt.Println("For non-interactive operations, use the 'slabctl' command instead.")
}
