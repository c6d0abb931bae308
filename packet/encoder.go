package packet

import (
	"intelpt/pt"
)

// Encoder writes packets sequentially into a raw Intel PT buffer.
//
// The encoder borrows the configuration's buffer for its lifetime and starts
// at the beginning of the buffer.
type Encoder struct {
	config pt.Config

	pos int
}

// NewEncoder creates a packet encoder on the given configuration.
func NewEncoder(config *pt.Config) (*Encoder, error) {
	if config == nil {
		return nil, pt.ErrInvalid
	}

	return &Encoder{config: *config}, nil
}

// SyncSet hard sets the encoder's position to offset.
func (e *Encoder) SyncSet(offset uint64) error {
	if offset > uint64(len(e.config.Buffer)) {
		return pt.ErrEOS
	}

	e.pos = int(offset)
	return nil
}

// Offset returns the current encoder position in the trace buffer.
func (e *Encoder) Offset() uint64 {
	return uint64(e.pos)
}

// Next encodes the packet at the current position and advances beyond it.
// It returns the number of bytes written. On failure nothing is written and
// the encoder position is left unchanged.
func (e *Encoder) Next(p *Packet) (int, error) {
	size, err := Encode(e.config.Buffer[e.pos:], p)
	if err != nil {
		return 0, err
	}

	e.pos += size
	return size, nil
}
