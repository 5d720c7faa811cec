package gfp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Flags_String(t *testing.T) {
	assert.Equal(t, "KERNEL", Kernel.String())
	assert.Equal(t, "DMA|ZERO", (DMA | Zero).String())
	assert.Equal(t, "NOWAIT|HIGH", Atomic.String())
	assert.Equal(t, "ACCOUNT|0x80000000", (Account | Flags(1<<31)).String())
}

func Test_Flags_CanBlock(t *testing.T) {
	assert.True(t, Kernel.CanBlock())
	assert.True(t, KernelAccount.CanBlock())
	assert.False(t, Atomic.CanBlock())
	assert.False(t, Nowait.CanBlock())
}

func Test_Flags_Has(t *testing.T) {
	f := DMA | Account | Zero
	assert.True(t, f.Has(DMA|Zero))
	assert.False(t, f.Has(DMA|Reclaimable))
	assert.Equal(t, Flags(0), f&^Valid)
}

func Test_Parse(t *testing.T) {
	tests := []struct {
		in   string
		want Flags
	}{
		{"", Kernel},
		{"KERNEL", Kernel},
		{"dma|zero", DMA | Zero},
		{"reclaimable, account", Reclaimable | Account},
		{"atomic", Atomic},
		{"NOWAIT|HIGH", Atomic},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("DMA|BOGUS")
	assert.ErrorContains(t, err, "BOGUS")

	for _, f := range []Flags{Kernel, DMA | Zero, Nowait, KernelAccount | Reclaimable} {
		back, err := Parse(f.String())
		assert.NoError(t, err)
		assert.Equal(t, f, back)
	}
}
