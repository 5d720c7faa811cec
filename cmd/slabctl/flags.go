package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/joshuapare/slabkit/mm/gfp"
)

// gfpFlag is a pflag.Value holding allocation flags such as "KERNEL|ZERO".
type gfpFlag struct {
	flags gfp.Flags
}

var _ pflag.Value = (*gfpFlag)(nil)

func (f *gfpFlag) String() string { return f.flags.String() }

func (f *gfpFlag) Set(s string) error {
	flags, err := gfp.Parse(s)
	if err != nil {
		return err
	}
	f.flags = flags
	return nil
}

func (f *gfpFlag) Type() string { return "gfp" }

// sizeFlag is a pflag.Value holding a byte count with an optional k or M
// suffix.
type sizeFlag struct {
	size uint
}

var _ pflag.Value = (*sizeFlag)(nil)

func (f *sizeFlag) String() string { return strconv.FormatUint(uint64(f.size), 10) }

func (f *sizeFlag) Set(s string) error {
	size, err := parseSize(s)
	if err != nil {
		return err
	}
	f.size = size
	return nil
}

func (f *sizeFlag) Type() string { return "size" }

// parseSize parses "512", "8k", "2M" or "0x40".
func parseSize(s string) (uint, error) {
	s = strings.TrimSpace(s)
	shift := 0
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		shift = 20
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<63)>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return uint(n << shift), nil
}
