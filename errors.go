package rdmdrv

import "errors"

// Error kinds surfaced to callers. ISR-detected failures travel on the
// waiter's notification word and are mapped back to these; task-detected
// failures return directly.
var (
	// ErrTimeout means no data or completion arrived within the caller's
	// budget.
	ErrTimeout = errors.New("rdmdrv: timeout")

	// ErrInvalidArg is a caller contract violation: nil buffer,
	// out-of-range port, oversized parameter data.
	ErrInvalidArg = errors.New("rdmdrv: invalid argument")

	// ErrFail is a generic protocol or framing failure: bad checksum,
	// frame error, unexpected start code.
	ErrFail = errors.New("rdmdrv: protocol failure")

	// ErrNoMem is an allocation failure during install.
	ErrNoMem = errors.New("rdmdrv: out of memory")

	// ErrNotSupported marks a capability the hardware target lacks.
	ErrNotSupported = errors.New("rdmdrv: not supported")
)
