package query

import (
	"math/bits"

	"intelpt/pt"
)

// tntCache buffers the conditional-branch outcomes of the most recent TNT
// packet. The index marks the next bit to be consumed; an index of zero
// means the cache is empty.
type tntCache struct {
	tnt   uint64
	index uint64
}

func (t *tntCache) init() {
	*t = tntCache{}
}

func (t *tntCache) isEmpty() bool {
	return t.index == 0
}

// count returns the number of buffered outcomes.
func (t *tntCache) count() int {
	return bits.Len64(t.index)
}

// peek returns the outcome of the next conditional branch without consuming
// it.
func (t *tntCache) peek() (bool, error) {
	if t.index == 0 {
		return false, pt.ErrBadQuery
	}
	return t.tnt&t.index != 0, nil
}

// pop consumes and returns the outcome of the next conditional branch.
func (t *tntCache) pop() (bool, error) {
	taken, err := t.peek()
	if err != nil {
		return false, err
	}

	t.index >>= 1
	return taken, nil
}

// append fills the cache from a TNT payload with its stop bit already
// stripped. Refilling a non-empty cache loses branch outcomes and is
// rejected.
func (t *tntCache) append(payload uint64, bitSize uint8) error {
	if bitSize == 0 || bitSize > 47 {
		return pt.ErrBadPacket
	}
	if !t.isEmpty() {
		return pt.ErrBadContext
	}

	t.tnt = payload
	t.index = 1 << (bitSize - 1)
	return nil
}
