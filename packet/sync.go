package packet

import (
	"intelpt/pt"
)

// IsPSB reports whether a complete PSB starts at pos.
func IsPSB(buf []byte, pos int) bool {
	if pos < 0 || pos+sizePSB > len(buf) {
		return false
	}
	for i := 0; i < sizePSB; i += psbRepeatSize {
		if buf[pos+i] != psbHi || buf[pos+i+1] != psbLo {
			return false
		}
	}
	return true
}

// SyncForward scans buf for the next PSB at or after pos and returns its
// offset.
//
// The scan copes with pos landing inside the repeating PSB pattern: any
// pattern pair found is walked backward to the true PSB header before the
// full magic is verified.
func SyncForward(buf []byte, pos int) (int, error) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(buf) {
		pos = len(buf)
	}

	// The cursor may have landed inside a PSB; back up to its header.
	for s := pos; s >= 0 && s+sizePSB > pos; s-- {
		if IsPSB(buf, s) {
			return s, nil
		}
	}

	for i := pos; i+1 < len(buf); i++ {
		if buf[i] != psbHi || buf[i+1] != psbLo {
			continue
		}

		// Walk backward over preceding pattern pairs; the cursor may
		// have landed in the middle of the magic.
		start := i
		for start >= psbRepeatSize &&
			buf[start-psbRepeatSize] == psbHi &&
			buf[start-1] == psbLo {
			start -= psbRepeatSize
		}

		if IsPSB(buf, start) {
			return start, nil
		}
	}

	return 0, pt.ErrEOS
}

// SyncBackward scans buf for the closest PSB strictly before pos and returns
// its offset.
func SyncBackward(buf []byte, pos int) (int, error) {
	if pos > len(buf) {
		pos = len(buf)
	}

	for i := pos - 1; i >= 0; i-- {
		if IsPSB(buf, i) {
			return i, nil
		}
	}

	return 0, pt.ErrEOS
}
