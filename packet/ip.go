package packet

import (
	"intelpt/pt"
)

// UpdateIP applies an IP payload with the given compression to a prior IP
// and returns the resulting full address. For the suppressed compression the
// prior IP is returned unchanged.
func UpdateIP(last uint64, ipc IPCompression, payload uint64) (uint64, error) {
	switch ipc {
	case IPSuppressed:
		return last, nil
	case IPUpdate16:
		return last&^uint64(0xffff) | payload&0xffff, nil
	case IPUpdate32:
		return last&^uint64(0xffffffff) | payload&0xffffffff, nil
	case IPSext48:
		return uint64(int64(payload<<16) >> 16), nil
	default:
		return 0, pt.ErrBadPacket
	}
}

// CompressIP computes the narrowest compression that encodes ip given that
// the decoder's last IP is last, together with the raw payload to put on the
// wire. The suppressed compression is never chosen; request it explicitly
// when encoding a suppressed IP packet.
//
// Fails with pt.ErrBadPacket if ip is not representable, i.e. it neither
// shares the upper bits with last nor sign-extends from 48 bits.
func CompressIP(ip, last uint64) (IPCompression, uint64, error) {
	if ip>>16 == last>>16 {
		return IPUpdate16, ip & 0xffff, nil
	}
	if ip>>32 == last>>32 {
		return IPUpdate32, ip & 0xffffffff, nil
	}

	payload := ip & (1<<48 - 1)
	if sext, _ := UpdateIP(0, IPSext48, payload); sext == ip {
		return IPSext48, payload, nil
	}

	return IPSuppressed, 0, pt.ErrBadPacket
}
