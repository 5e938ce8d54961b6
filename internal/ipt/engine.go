// Package ipt holds the vocabulary shared with the trace-decoding engine:
// decoder status flags, error codes, events, instruction classes, CPU
// identity and errata, and the interfaces an engine implements.
package ipt

// Engine creates decoding contexts and memory images.
type Engine interface {
	// NewBlockDecoder allocates a block decoder over cfg.Trace. The decoder
	// is not synchronized yet.
	NewBlockDecoder(cfg *Config) (BlockDecoder, error)

	// NewImage allocates an empty memory image.
	NewImage(name string) (Image, error)
}

// BlockDecoder is an engine decoding context producing block fragments.
// It is not safe for concurrent use.
type BlockDecoder interface {
	// SyncForward moves to the next synchronization point in the trace.
	SyncForward() (Status, error)

	// Event dequeues the next pending event.
	Event() (Event, Status, error)

	// Next decodes the next block fragment. The end of the trace is
	// reported as an error carrying CodeEOS.
	Next() (Block, Status, error)

	// SetImage sets the image used to read instruction bytes. The decoder
	// does not take ownership of img.
	SetImage(img Image) error

	// Free releases the decoding context.
	Free()
}

// Image maps virtual address ranges to file contents.
type Image interface {
	// AddFile maps size bytes of path starting at offset to vaddr. The
	// engine may read the file lazily, at any point until the image is freed.
	AddFile(path string, offset, size, vaddr uint64) error

	// Free releases the image.
	Free()
}
