package pt

// Err is the library error code. Public decoder operations report failures
// as one of these values; the negated-integer presentation of the C library
// is replaced by Err implementing the error interface.
type Err int

const (
	// ErrOK indicates no error.
	ErrOK Err = iota

	// ErrInternal indicates an internal decoder error.
	ErrInternal

	// ErrInvalid indicates an invalid argument.
	ErrInvalid

	// ErrNoSync indicates the decoder is out of sync.
	ErrNoSync

	// ErrBadOpc indicates an unknown opcode.
	ErrBadOpc

	// ErrBadPacket indicates an unknown or malformed packet payload.
	ErrBadPacket

	// ErrBadContext indicates an unexpected packet context.
	ErrBadContext

	// ErrEOS indicates the decoder reached the end of the trace stream.
	ErrEOS

	// ErrBadQuery indicates no packet matching the query was found.
	ErrBadQuery

	// ErrNoMem indicates the decoder ran out of queue space.
	ErrNoMem

	// ErrBadConfig indicates a bad decoder configuration.
	ErrBadConfig

	// ErrNoIP indicates there is no IP.
	ErrNoIP

	// ErrIPSuppressed indicates the IP has been suppressed.
	ErrIPSuppressed

	// ErrNoMap indicates there is no memory mapped at the requested address.
	ErrNoMap

	// ErrBadInsn indicates an instruction could not be decoded.
	ErrBadInsn

	// ErrNoTime indicates no timing information is available.
	ErrNoTime

	// ErrNoCBR indicates no core:bus ratio is available.
	ErrNoCBR

	// ErrBadImage indicates a bad traced image.
	ErrBadImage

	// ErrBadLock indicates a locking error.
	ErrBadLock

	// ErrNotSupported indicates the requested feature is not supported.
	ErrNotSupported
)

func (e Err) String() string {
	switch e {
	case ErrOK:
		return "OK"
	case ErrInternal:
		return "internal error"
	case ErrInvalid:
		return "invalid argument"
	case ErrNoSync:
		return "decoder out of sync"
	case ErrBadOpc:
		return "unknown opcode"
	case ErrBadPacket:
		return "unknown packet"
	case ErrBadContext:
		return "unexpected packet context"
	case ErrEOS:
		return "reached end of trace stream"
	case ErrBadQuery:
		return "trace stream does not match query"
	case ErrNoMem:
		return "out of memory"
	case ErrBadConfig:
		return "bad configuration"
	case ErrNoIP:
		return "no ip"
	case ErrIPSuppressed:
		return "ip has been suppressed"
	case ErrNoMap:
		return "no memory mapped at this address"
	case ErrBadInsn:
		return "unknown instruction"
	case ErrNoTime:
		return "no timing information"
	case ErrNoCBR:
		return "no core:bus ratio"
	case ErrBadImage:
		return "bad traced image"
	case ErrBadLock:
		return "locking error"
	case ErrNotSupported:
		return "not supported"
	default:
		return "unknown error code"
	}
}

// Error implements the error interface so decoder operations can return an
// Err directly.
func (e Err) Error() string {
	return e.String()
}

// Status is a bit-vector of decoder status flags returned alongside
// successful query operations.
type Status int

const (
	// StatusEventPending indicates there is an event pending.
	StatusEventPending Status = 1 << iota

	// StatusIPSuppressed indicates the destination address has been
	// suppressed due to CPL filtering.
	StatusIPSuppressed

	// StatusEOS indicates there is no more trace data available.
	StatusEOS
)
