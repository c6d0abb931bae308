package packet

import (
	"intelpt/pt"
)

// Decoder reads packets sequentially from a raw Intel PT buffer.
//
// The decoder borrows the configuration's buffer for its lifetime and needs
// to be synchronized onto the packet stream before packets can be read.
type Decoder struct {
	config pt.Config

	pos    int
	sync   int
	synced bool
}

// NewDecoder creates a packet decoder on the given configuration.
func NewDecoder(config *pt.Config) (*Decoder, error) {
	if config == nil {
		return nil, pt.ErrInvalid
	}

	return &Decoder{config: *config}, nil
}

// SyncForward searches for the next synchronization point in forward
// direction and positions the decoder on it.
//
// If the decoder has not been synchronized yet, the search starts at the
// beginning of the trace buffer.
func (d *Decoder) SyncForward() error {
	pos := d.pos
	if d.synced && pos == d.sync {
		// We are sitting on a PSB; look for the next one.
		pos += sizePSB
	}

	sync, err := SyncForward(d.config.Buffer, pos)
	if err != nil {
		return err
	}

	d.pos = sync
	d.sync = sync
	d.synced = true
	return nil
}

// SyncBackward searches for the next synchronization point in backward
// direction and positions the decoder on it.
//
// If the decoder has not been synchronized yet, the search starts at the end
// of the trace buffer.
func (d *Decoder) SyncBackward() error {
	pos := len(d.config.Buffer)
	if d.synced {
		pos = d.sync
	}

	sync, err := SyncBackward(d.config.Buffer, pos)
	if err != nil {
		return err
	}

	d.pos = sync
	d.sync = sync
	d.synced = true
	return nil
}

// SyncSet hard sets the decoder's position to offset. The offset is not
// required to be a synchronization point.
func (d *Decoder) SyncSet(offset uint64) error {
	if offset > uint64(len(d.config.Buffer)) {
		return pt.ErrEOS
	}

	d.pos = int(offset)
	d.sync = int(offset)
	d.synced = true
	return nil
}

// Offset returns the current decoder position in the trace buffer.
func (d *Decoder) Offset() (uint64, error) {
	if !d.synced {
		return 0, pt.ErrNoSync
	}
	return uint64(d.pos), nil
}

// SyncOffset returns the position of the last synchronization point.
func (d *Decoder) SyncOffset() (uint64, error) {
	if !d.synced {
		return 0, pt.ErrNoSync
	}
	return uint64(d.sync), nil
}

// Next decodes the packet at the current position and advances beyond it.
// On failure the decoder position is left unchanged.
func (d *Decoder) Next() (Packet, error) {
	if !d.synced {
		return Packet{}, pt.ErrNoSync
	}
	if d.pos >= len(d.config.Buffer) {
		return Packet{}, pt.ErrEOS
	}

	pkt, size, err := Decode(d.config.Buffer[d.pos:], &d.config)
	if err != nil {
		return Packet{}, err
	}

	d.pos += size
	return pkt, nil
}
