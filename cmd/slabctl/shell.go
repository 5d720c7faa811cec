package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/pkg/slabinfo"
	"github.com/joshuapare/slabkit/pkg/slabkit"
)

var shellCommands = []string{"malloc", "free", "ksize", "dump", "slabinfo", "shrink", "validate", "help", "quit"}

func init() {
	rootCmd.AddCommand(newShellCmd())
}

func newShellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactively allocate and inspect objects",
		Long: `The shell command opens the allocator stack and reads commands from an
interactive prompt with history and tab completion.

Commands:
  malloc <size> [gfp]   allocate and print the address
  free <addr>           free an allocation
  ksize <addr>          print the usable size of an allocation
  dump <addr>           describe the slab object containing an address
  slabinfo              print the slabinfo report
  shrink                release empty slabs in every cache
  validate              check every cache for corruption
  quit                  leave the shell

Example:
  slabctl shell
  slabctl shell --config debug.jsonc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(args)
		},
	}
	return cmd
}

func runShell(args []string) (err error) {
	sys, err := openSystem()
	if err != nil {
		return fmt.Errorf("failed to open system: %w", err)
	}
	defer func() {
		err = errors.Join(err, sys.Close())
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string
		for _, c := range shellCommands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
		return out
	})

	sh := &shell{sys: sys, out: os.Stdout}
	for {
		input, err := line.Prompt("slab> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(sh.out)
			break
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)
		quit, err := sh.exec(input)
		if err != nil {
			printError("%v\n", err)
		}
		if quit {
			break
		}
	}
	return sh.release()
}

// shell executes one line at a time against a System and remembers what it
// allocated so quitting leaves the heap empty.
type shell struct {
	sys  *slabkit.System
	out  io.Writer
	live map[page.Addr]uint
}

func (s *shell) exec(input string) (bool, error) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	heap := s.sys.Heap()

	switch cmd {
	case "malloc":
		if len(args) < 1 || len(args) > 2 {
			return false, errors.New("usage: malloc <size> [gfp]")
		}
		size, err := parseSize(args[0])
		if err != nil {
			return false, err
		}
		var flags gfp.Flags
		if len(args) == 2 {
			if flags, err = gfp.Parse(args[1]); err != nil {
				return false, err
			}
		}
		p, err := heap.Malloc(size, flags)
		if err != nil {
			return false, err
		}
		if s.live == nil {
			s.live = make(map[page.Addr]uint)
		}
		s.live[p] = size
		fmt.Fprintf(s.out, "%s (%d bytes usable)\n", p, heap.Ksize(p))

	case "free":
		p, err := s.addrArg(args)
		if err != nil {
			return false, err
		}
		if err := heap.Free(p); err != nil {
			return false, err
		}
		delete(s.live, p)

	case "ksize":
		p, err := s.addrArg(args)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "%d\n", heap.Ksize(p))

	case "dump":
		p, err := s.addrArg(args)
		if err != nil {
			return false, err
		}
		info, ok := s.sys.Slabs().DumpObject(p)
		if !ok {
			return false, fmt.Errorf("%s is not inside a slab", p)
		}
		fmt.Fprintf(s.out, "  Cache: %s\n", info.Cache)
		fmt.Fprintf(s.out, "  Object: %s (+%d)\n", info.Object, info.Offset)
		fmt.Fprintf(s.out, "  Size: %d (slot %d)\n", info.ObjectSize, info.SlotSize)
		fmt.Fprintf(s.out, "  Slab: %s\n", info.Slab)
		fmt.Fprintf(s.out, "  Allocated: %t\n", info.Allocated)
		if t := info.AllocTrack; t != nil {
			fmt.Fprintf(s.out, "  Allocated by: %s at %s\n", t.Function(), t.When.Format("15:04:05.000000"))
		}
		if t := info.FreeTrack; t != nil {
			fmt.Fprintf(s.out, "  Freed by: %s at %s\n", t.Function(), t.When.Format("15:04:05.000000"))
		}

	case "slabinfo":
		infos := s.sys.Caches()
		if err := slabinfo.Write(s.out, infos); err != nil {
			return false, err
		}
		return false, slabinfo.WriteSummary(s.out, slabinfo.Sum(infos))

	case "shrink":
		fmt.Fprintf(s.out, "released %d slabs\n", s.sys.Slabs().ShrinkAll())

	case "validate":
		if err := s.sys.Validate(); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "ok")

	case "help":
		fmt.Fprintln(s.out, strings.Join(shellCommands, " "))

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (s *shell) addrArg(args []string) (page.Addr, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one address")
	}
	v, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", args[0])
	}
	return page.Addr(v), nil
}

// release frees everything the shell still holds.
func (s *shell) release() error {
	var errs []error
	for p := range s.live {
		errs = append(errs, s.sys.Heap().Free(p))
	}
	s.live = nil
	return errors.Join(errs...)
}
