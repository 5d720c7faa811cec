package page

// Backing supplies the memory behind blocks.
type Backing interface {
	// Map returns size bytes of zeroed memory.
	Map(size int) ([]byte, error)
	// Unmap releases memory returned by Map.
	Unmap(b []byte) error
	// Name identifies the backing in reports and config.
	Name() string
}

type heapBacking struct{}

// HeapBacking returns a Backing that allocates Go heap slices.
func HeapBacking() Backing { return heapBacking{} }

func (heapBacking) Map(size int) ([]byte, error) { return make([]byte, size), nil }
func (heapBacking) Unmap([]byte) error           { return nil }
func (heapBacking) Name() string                 { return "heap" }

// BackingByName returns the backing for a config name ("mmap" or "heap").
func BackingByName(name string) (Backing, bool) {
	switch name {
	case "", "mmap":
		return MmapBacking(), true
	case "heap":
		return HeapBacking(), true
	default:
		return nil, false
	}
}
