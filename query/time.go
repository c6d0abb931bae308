package query

import (
	"intelpt/pt"
)

// timeTracker holds the most recent timing packets' state.
type timeTracker struct {
	tsc     uint64
	haveTSC bool

	cbr     uint8
	haveCBR bool
}

func (t *timeTracker) init() {
	*t = timeTracker{}
}

func (t *timeTracker) updateTSC(tsc uint64) {
	t.tsc = tsc
	t.haveTSC = true
}

func (t *timeTracker) updateCBR(ratio uint8) {
	t.cbr = ratio
	t.haveCBR = true
}

func (t *timeTracker) queryTSC() (uint64, error) {
	if !t.haveTSC {
		return 0, pt.ErrNoTime
	}
	return t.tsc, nil
}

func (t *timeTracker) queryCBR() (uint32, error) {
	if !t.haveCBR {
		return 0, pt.ErrNoCBR
	}
	return uint32(t.cbr), nil
}
