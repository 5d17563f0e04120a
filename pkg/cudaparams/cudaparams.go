// Package cudaparams reports the shared memory available on the target
// device. The numbers are fixed per architecture; there is no driver query.
package cudaparams

// Fermi-class per-SM split of the 64 KB on-chip memory.
const (
	fermiSharedL1Preferred = 16384
	fermiSharedPreferred   = 49152
)

// SharedSizer reports shared memory bytes per streaming multiprocessor.
type SharedSizer interface {
	SharedSize(l1Preferred bool) int
}

// Device describes the shared memory split of one architecture.
type Device struct {
	Name              string
	SharedL1Preferred int // bytes when the L1 cache is preferred
	SharedPreferred   int // bytes when shared memory is preferred
}

// Fermi is the default target device.
var Fermi = Device{
	Name:              "fermi",
	SharedL1Preferred: fermiSharedL1Preferred,
	SharedPreferred:   fermiSharedPreferred,
}

// SharedSize implements SharedSizer.
func (d Device) SharedSize(l1Preferred bool) int {
	if l1Preferred {
		return d.SharedL1Preferred
	}
	return d.SharedPreferred
}

// Fixed is a SharedSizer that ignores the cache preference.
type Fixed int

// SharedSize implements SharedSizer.
func (f Fixed) SharedSize(bool) int {
	return int(f)
}
