package memory

import "errors"

// ErrNotFound indicates no state entry exists for the requested key.
var ErrNotFound = errors.New("memory: state entry not found")

// ErrCapabilityUnavailable indicates the store does not support the
// requested optional capability.
var ErrCapabilityUnavailable = errors.New("memory: capability unavailable")
