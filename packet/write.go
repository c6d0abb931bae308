package packet

import (
	"intelpt/pt"
)

// Encode writes the packet at the beginning of buf and returns the number of
// bytes written.
//
// The packet's payload must match the shape its type and compression dictate;
// a payload that cannot be represented fails with pt.ErrBadPacket. A buffer
// too small for the packet fails with pt.ErrEOS and leaves buf untouched.
func Encode(buf []byte, p *Packet) (int, error) {
	switch p.Type {
	case TypePad:
		return encodeRaw(buf, opcPad)
	case TypePSB:
		return encodePSB(buf)
	case TypePSBEnd:
		return encodeRaw(buf, opcExt, extPSBEnd)
	case TypeOVF:
		return encodeRaw(buf, opcExt, extOVF)
	case TypeTIP:
		return encodeIP(buf, opcTIP, p)
	case TypeTIPPGE:
		return encodeIP(buf, opcTIPPGE, p)
	case TypeTIPPGD:
		return encodeIP(buf, opcTIPPGD, p)
	case TypeFUP:
		return encodeIP(buf, opcFUP, p)
	case TypeTNT8:
		return encodeTNT8(buf, p)
	case TypeTNT64:
		return encodeTNT64(buf, p)
	case TypeMode:
		return encodeMode(buf, p)
	case TypePIP:
		return encodePIP(buf, p)
	case TypeTSC:
		return encodeTSC(buf, p)
	case TypeCBR:
		return encodeCBR(buf, p)
	default:
		return 0, pt.ErrBadOpc
	}
}

func encodeRaw(buf []byte, raw ...byte) (int, error) {
	if len(buf) < len(raw) {
		return 0, pt.ErrEOS
	}
	copy(buf, raw)
	return len(raw), nil
}

func encodePSB(buf []byte) (int, error) {
	if len(buf) < sizePSB {
		return 0, pt.ErrEOS
	}
	for i := 0; i < sizePSB; i += psbRepeatSize {
		buf[i] = psbHi
		buf[i+1] = psbLo
	}
	return sizePSB, nil
}

func encodeIP(buf []byte, opc byte, p *Packet) (int, error) {
	if p.IPC < IPSuppressed || p.IPC > IPSext48 {
		return 0, pt.ErrBadPacket
	}

	plsize := p.IPC.PayloadSize()
	if plsize < 8 && p.IP>>(8*plsize) != 0 {
		// The payload does not fit the compression's width.
		return 0, pt.ErrBadPacket
	}

	size := 1 + plsize
	if len(buf) < size {
		return 0, pt.ErrEOS
	}

	buf[0] = opc | byte(p.IPC)<<opmIPCShr
	for i := 0; i < plsize; i++ {
		buf[1+i] = byte(p.IP >> (8 * i))
	}
	return size, nil
}

func encodeTNT8(buf []byte, p *Packet) (int, error) {
	if p.BitSize == 0 || p.BitSize > plTNT8MaxBits {
		return 0, pt.ErrBadPacket
	}
	if p.Payload>>p.BitSize != 0 {
		return 0, pt.ErrBadPacket
	}
	if len(buf) < sizeTNT8 {
		return 0, pt.ErrEOS
	}

	// Reinsert the stop bit above the payload.
	field := p.Payload | 1<<p.BitSize
	buf[0] = byte(field << opmTNT8Shr)
	return sizeTNT8, nil
}

func encodeTNT64(buf []byte, p *Packet) (int, error) {
	if p.BitSize == 0 || p.BitSize > plTNT64MaxBits {
		return 0, pt.ErrBadPacket
	}
	if p.Payload>>p.BitSize != 0 {
		return 0, pt.ErrBadPacket
	}
	if len(buf) < sizeTNT64 {
		return 0, pt.ErrEOS
	}

	field := p.Payload | 1<<p.BitSize
	buf[0] = opcExt
	buf[1] = extTNT64
	for i := 0; i < plTNT64Size; i++ {
		buf[2+i] = byte(field >> (8 * i))
	}
	return sizeTNT64, nil
}

func encodeMode(buf []byte, p *Packet) (int, error) {
	if len(buf) < sizeMode {
		return 0, pt.ErrEOS
	}

	var mbits byte
	switch p.Leaf {
	case LeafExec:
		if p.CSL {
			mbits |= mobExecCSL
		}
		if p.CSD {
			mbits |= mobExecCSD
		}
	case LeafTSX:
		if p.InTX {
			mbits |= mobTSXInTX
		}
		if p.Abort {
			mbits |= mobTSXAbrt
		}
	default:
		return 0, pt.ErrBadPacket
	}

	buf[0] = opcMode
	buf[1] = byte(p.Leaf) | mbits
	return sizeMode, nil
}

func encodePIP(buf []byte, p *Packet) (int, error) {
	payload := p.CR3 >> plPIPShl << plPIPShr
	if payload>>(8*plPIPSize) != 0 {
		return 0, pt.ErrBadPacket
	}
	if len(buf) < sizePIP {
		return 0, pt.ErrEOS
	}

	buf[0] = opcExt
	buf[1] = extPIP
	for i := 0; i < plPIPSize; i++ {
		buf[2+i] = byte(payload >> (8 * i))
	}
	return sizePIP, nil
}

func encodeTSC(buf []byte, p *Packet) (int, error) {
	if p.TSC>>(8*plTSCSize) != 0 {
		return 0, pt.ErrBadPacket
	}
	if len(buf) < sizeTSC {
		return 0, pt.ErrEOS
	}

	buf[0] = opcTSC
	for i := 0; i < plTSCSize; i++ {
		buf[1+i] = byte(p.TSC >> (8 * i))
	}
	return sizeTSC, nil
}

func encodeCBR(buf []byte, p *Packet) (int, error) {
	if len(buf) < sizeCBR {
		return 0, pt.ErrEOS
	}

	buf[0] = opcExt
	buf[1] = extCBR
	buf[2] = p.Ratio
	buf[3] = 0
	return sizeCBR, nil
}
