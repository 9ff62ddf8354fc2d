package led

// Driver abstracts an LED output sink.
type Driver interface {
	// Write pushes an RGB frame to hardware. len(rgb) must be a multiple of 3;
	// drivers clip frames longer than the strip and leave the tail dark on
	// shorter ones.
	Write(rgb []byte) error
	// Close releases resources.
	Close() error
}

// fit copies rgb into dst, clipping to len(dst) and zeroing what's left.
func fit(dst, rgb []byte) {
	n := copy(dst, rgb)
	clear(dst[n:])
}
