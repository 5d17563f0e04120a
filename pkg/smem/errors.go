package smem

import "errors"

var (
	// ErrNoCapacity means the configuration leaves no shared slot per thread.
	ErrNoCapacity = errors.New("no shared memory slots per thread")
	// ErrNotResident means a slot was evicted that holds no variable.
	ErrNotResident = errors.New("slot not resident")
	// ErrNoFreeSlot means a variable was admitted with every slot taken.
	ErrNoFreeSlot = errors.New("no free shared memory slot")
	// ErrUsageMismatch means the usage estimates do not line up with the variables.
	ErrUsageMismatch = errors.New("usage estimates do not match variables")
)
