package slabkit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/joshuapare/slabkit/mm/kmalloc"
	"github.com/joshuapare/slabkit/mm/page"
	"github.com/joshuapare/slabkit/mm/slab"
)

// Environment variables read by ApplyEnv.
const (
	EnvDebug    = "SLABKIT_DEBUG"
	EnvLogLevel = "SLABKIT_LOG_LEVEL"
)

// Config is the whole-system configuration. It is read from JSON with
// comments and trailing commas allowed.
type Config struct {
	Page    PageConfig    `json:"page"`
	Slab    SlabConfig    `json:"slab"`
	Kmalloc KmallocConfig `json:"kmalloc"`
	Log     LogConfig     `json:"log"`

	// Logger overrides Log when set.
	Logger *slog.Logger `json:"-"`
}

// PageConfig configures the page source.
type PageConfig struct {
	Backing       string   `json:"backing"` // mmap or heap
	MaxPages      uint64   `json:"max_pages"`
	DMAPages      uint64   `json:"dma_pages"`
	MaxWait       Duration `json:"max_wait"`
	NoFailTimeout Duration `json:"nofail_timeout"`
	CacheBlocks   int      `json:"cache_blocks"`
}

// SlabConfig configures the slab allocator.
type SlabConfig struct {
	MinFree        int    `json:"min_free"`
	NoMerge        bool   `json:"no_merge"`
	HardenFreelist bool   `json:"harden_freelist"`
	Seed           uint64 `json:"seed"`
	PanicOnMisuse  bool   `json:"panic_on_misuse"`
	Debug          string `json:"debug"` // e.g. "FZP" or "U,kmalloc-*"
}

// KmallocConfig configures the size-class registry.
type KmallocConfig struct {
	MinSize      uint   `json:"min_size"`
	ZoneDMA      bool   `json:"zone_dma"`
	MemCG        bool   `json:"memcg"`
	RandomCaches bool   `json:"random_caches"`
	Seed         uint64 `json:"seed"`
}

// LogConfig configures the system logger, which writes to stderr.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn or error
	Format string `json:"format"` // text or json
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"250ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Page: PageConfig{
			Backing:       "mmap",
			NoFailTimeout: Duration(10 * time.Second),
			CacheBlocks:   8,
		},
		Slab: SlabConfig{
			MinFree:        1,
			HardenFreelist: true,
		},
		Kmalloc: KmallocConfig{
			MinSize: kmalloc.DefaultMinSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the config file at path over the defaults. An empty
// path yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses JSONC over the defaults and validates the result.
// Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC: %w", ErrConfigInvalid, err)
	}

	cfg := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides read from env.
func (c *Config) ApplyEnv(env map[string]string) {
	if v, ok := env[EnvDebug]; ok {
		c.Slab.Debug = v
	}
	if v := env[EnvLogLevel]; v != "" {
		c.Log.Level = v
	}
}

// Validate checks every field. Errors wrap ErrConfigInvalid.
func (c Config) Validate() error {
	var errs []error
	if _, ok := page.BackingByName(c.Page.Backing); !ok {
		errs = append(errs, fmt.Errorf("page.backing: unknown backing %q", c.Page.Backing))
	}
	if c.Page.MaxWait < 0 {
		errs = append(errs, errors.New("page.max_wait: negative"))
	}
	if c.Page.NoFailTimeout < 0 {
		errs = append(errs, errors.New("page.nofail_timeout: negative"))
	}
	if _, err := slab.ParseDebug(c.Slab.Debug); err != nil {
		errs = append(errs, fmt.Errorf("slab.debug: %w", err))
	}
	if _, err := kmalloc.NewSizeTable(c.Kmalloc.MinSize); err != nil {
		errs = append(errs, fmt.Errorf("kmalloc.min_size: %w", err))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

// NewLogger builds the logger described by c.Log writing to w.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", ErrConfigInvalid, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// pageConfig translates the page section.
func (c Config) pageConfig(logger *slog.Logger) page.Config {
	backing, _ := page.BackingByName(c.Page.Backing)
	return page.Config{
		Backing:       backing,
		MaxPages:      c.Page.MaxPages,
		DMAPages:      c.Page.DMAPages,
		MaxWait:       time.Duration(c.Page.MaxWait),
		NoFailTimeout: time.Duration(c.Page.NoFailTimeout),
		CacheBlocks:   c.Page.CacheBlocks,
		Logger:        logger,
	}
}

// slabConfig translates the slab section.
func (c Config) slabConfig(src page.Source, logger *slog.Logger) slab.Config {
	return slab.Config{
		Source:         src,
		Logger:         logger,
		MinFree:        c.Slab.MinFree,
		NoMerge:        c.Slab.NoMerge,
		HardenFreelist: c.Slab.HardenFreelist,
		Seed:           c.Slab.Seed,
		PanicOnMisuse:  c.Slab.PanicOnMisuse,
		Debug:          c.Slab.Debug,
	}
}

// kmallocConfig translates the kmalloc section.
func (c Config) kmallocConfig() kmalloc.Config {
	return kmalloc.Config{
		MinSize:      c.Kmalloc.MinSize,
		ZoneDMA:      c.Kmalloc.ZoneDMA,
		MemCG:        c.Kmalloc.MemCG,
		RandomCaches: c.Kmalloc.RandomCaches,
		Seed:         c.Kmalloc.Seed,
	}
}
