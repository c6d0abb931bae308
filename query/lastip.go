package query

import (
	"intelpt/packet"
	"intelpt/pt"
)

// lastIP is the last-IP register. Compressed IP payloads update it
// algebraically; querying fails until a full IP has been seen and while the
// IP is suppressed.
type lastIP struct {
	ip         uint64
	haveIP     bool
	suppressed bool
}

func (l *lastIP) init() {
	*l = lastIP{}
}

// query returns the current last IP.
func (l *lastIP) query() (uint64, error) {
	if !l.haveIP {
		return 0, pt.ErrNoIP
	}
	if l.suppressed {
		return 0, pt.ErrIPSuppressed
	}
	return l.ip, nil
}

// update applies an IP payload to the register.
func (l *lastIP) update(ipc packet.IPCompression, payload uint64) error {
	if ipc == packet.IPSuppressed {
		l.suppressed = true
		return nil
	}

	ip, err := packet.UpdateIP(l.ip, ipc, payload)
	if err != nil {
		return err
	}

	l.ip = ip
	l.haveIP = true
	l.suppressed = false
	return nil
}
