package slabkit

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/mm/gfp"
	"github.com/joshuapare/slabkit/mm/slab"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Page.Backing = "heap"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func Test_System_OpenAndClose(t *testing.T) {
	sys, err := Open(testConfig())
	require.NoError(t, err)

	h := sys.Heap()
	p, err := h.Malloc(200, gfp.Kernel)
	require.NoError(t, err)
	assert.Equal(t, uint(256), h.Ksize(p))
	require.NoError(t, sys.Validate())

	var report bytes.Buffer
	require.NoError(t, sys.WriteSlabinfo(&report))
	assert.True(t, strings.HasPrefix(report.String(), "slabinfo - version: 2.1\n"))
	assert.Contains(t, report.String(), "kmalloc-256")

	require.NoError(t, h.Free(p))
	require.NoError(t, sys.Close())
	assert.NoError(t, sys.Close())

	_, err = h.Malloc(8, 0)
	assert.Error(t, err)
}

func Test_System_CloseReportsLiveObjects(t *testing.T) {
	sys, err := Open(testConfig())
	require.NoError(t, err)

	_, err = sys.Heap().Malloc(64, 0)
	require.NoError(t, err)
	err = sys.Close()
	assert.ErrorIs(t, err, slab.ErrCacheBusy)
}

func Test_System_AppliesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Kmalloc.ZoneDMA = true
	cfg.Kmalloc.MinSize = 16
	cfg.Slab.Debug = "Z,kmalloc-64"
	sys, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })

	_, ok := sys.Slabs().Cache("dma-kmalloc-64")
	assert.True(t, ok)
	_, ok = sys.Slabs().Cache("kmalloc-8")
	assert.False(t, ok)

	c, ok := sys.Slabs().Cache("kmalloc-64")
	require.True(t, ok)
	assert.True(t, c.Flags().Has(slab.RedZone))
	assert.Equal(t, "heap", sys.Pages().Backing().Name())
	assert.Equal(t, cfg.Kmalloc.MinSize, sys.Registry().Config().MinSize)
}

func Test_System_OpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Page.Backing = "floppy"
	_, err := Open(cfg)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}
