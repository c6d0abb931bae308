package packet

import (
	"math/bits"

	"intelpt/pt"
)

// Peek returns the type of the packet at the beginning of buf without
// decoding its payload. Opcodes the library does not know yield TypeUnknown;
// whether they can be decoded depends on the configured unknown-packet
// callback.
func Peek(buf []byte) (Type, error) {
	if len(buf) == 0 {
		return TypeInvalid, pt.ErrEOS
	}

	opc := buf[0]

	if opc == opcExt {
		if len(buf) < 2 {
			return TypeInvalid, pt.ErrEOS
		}
		switch buf[1] {
		case extPSB:
			return TypePSB, nil
		case extPSBEnd:
			return TypePSBEnd, nil
		case extOVF:
			return TypeOVF, nil
		case extTNT64:
			return TypeTNT64, nil
		case extPIP:
			return TypePIP, nil
		case extCBR:
			return TypeCBR, nil
		}
		return TypeUnknown, nil
	}

	switch opc & opmTIP {
	case opcTIP:
		return TypeTIP, nil
	case opcTIPPGE:
		return TypeTIPPGE, nil
	case opcTIPPGD:
		return TypeTIPPGD, nil
	case opcFUP:
		return TypeFUP, nil
	}

	switch opc {
	case opcPad:
		return TypePad, nil
	case opcMode:
		return TypeMode, nil
	case opcTSC:
		return TypeTSC, nil
	}

	if opc&opmTNT8 == 0 {
		return TypeTNT8, nil
	}

	return TypeUnknown, nil
}

// Decode parses one packet at the beginning of buf and returns the packet
// together with the number of bytes it occupies on the wire.
//
// An unknown opcode is handed to the configuration's unknown-packet callback
// if one is installed; otherwise decoding fails with pt.ErrBadOpc.
func Decode(buf []byte, config *pt.Config) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, pt.ErrEOS
	}

	opc := buf[0]

	if opc == opcExt {
		return decodeExt(buf, config)
	}

	switch opc & opmTIP {
	case opcTIP:
		return decodeIP(TypeTIP, buf)
	case opcTIPPGE:
		return decodeIP(TypeTIPPGE, buf)
	case opcTIPPGD:
		return decodeIP(TypeTIPPGD, buf)
	case opcFUP:
		return decodeIP(TypeFUP, buf)
	}

	switch opc {
	case opcPad:
		return Packet{Type: TypePad}, sizePad, nil
	case opcMode:
		return decodeMode(buf)
	case opcTSC:
		return decodeTSC(buf)
	}

	// Any other opcode with a clear low bit is a TNT-8 carrying its
	// payload in the upper seven bits.
	if opc&opmTNT8 == 0 {
		return decodeTNT8(buf)
	}

	return decodeUnknown(buf, config)
}

func decodeExt(buf []byte, config *pt.Config) (Packet, int, error) {
	if len(buf) < 2 {
		return Packet{}, 0, pt.ErrEOS
	}

	switch buf[1] {
	case extPSB:
		return decodePSB(buf)
	case extPSBEnd:
		return Packet{Type: TypePSBEnd}, sizePSBEnd, nil
	case extOVF:
		return Packet{Type: TypeOVF}, sizeOVF, nil
	case extTNT64:
		return decodeTNT64(buf)
	case extPIP:
		return decodePIP(buf)
	case extCBR:
		return decodeCBR(buf)
	}

	return decodeUnknown(buf, config)
}

func decodeUnknown(buf []byte, config *pt.Config) (Packet, int, error) {
	if config == nil || config.DecodeUnknown == nil {
		return Packet{}, 0, pt.ErrBadOpc
	}

	size, priv, err := config.DecodeUnknown(buf)
	if err != nil {
		return Packet{}, 0, err
	}
	if size <= 0 || size > len(buf) {
		return Packet{}, 0, pt.ErrBadPacket
	}

	pkt := Packet{
		Type: TypeUnknown,
		Raw:  buf[:size],
		Priv: priv,
	}
	return pkt, size, nil
}

func decodeIP(typ Type, buf []byte) (Packet, int, error) {
	ipc := IPCompression(buf[0] >> opmIPCShr)
	if ipc > IPSext48 {
		return Packet{}, 0, pt.ErrBadPacket
	}

	size := 1 + ipc.PayloadSize()
	if len(buf) < size {
		return Packet{}, 0, pt.ErrEOS
	}

	var ip uint64
	for i := 1; i < size; i++ {
		ip |= uint64(buf[i]) << (8 * (i - 1))
	}

	pkt := Packet{
		Type: typ,
		IPC:  ipc,
		IP:   ip,
	}
	return pkt, size, nil
}

func decodeTNT8(buf []byte) (Packet, int, error) {
	field := uint64(buf[0] >> opmTNT8Shr)

	// The caller made sure there is a stop bit.
	stop := bits.Len64(field) - 1

	pkt := Packet{
		Type:    TypeTNT8,
		BitSize: uint8(stop),
		Payload: field & (1<<stop - 1),
	}
	return pkt, sizeTNT8, nil
}

func decodeTNT64(buf []byte) (Packet, int, error) {
	if len(buf) < sizeTNT64 {
		return Packet{}, 0, pt.ErrEOS
	}

	var field uint64
	for i := 0; i < plTNT64Size; i++ {
		field |= uint64(buf[2+i]) << (8 * i)
	}
	if field == 0 {
		// No stop bit.
		return Packet{}, 0, pt.ErrBadPacket
	}
	stop := bits.Len64(field) - 1

	pkt := Packet{
		Type:    TypeTNT64,
		BitSize: uint8(stop),
		Payload: field & (1<<stop - 1),
	}
	return pkt, sizeTNT64, nil
}

func decodePSB(buf []byte) (Packet, int, error) {
	if len(buf) < sizePSB {
		return Packet{}, 0, pt.ErrEOS
	}

	// The payload is the repeating opcode pattern.
	for i := 2; i < sizePSB; i += psbRepeatSize {
		if buf[i] != psbHi || buf[i+1] != psbLo {
			return Packet{}, 0, pt.ErrBadPacket
		}
	}

	return Packet{Type: TypePSB}, sizePSB, nil
}

func decodePIP(buf []byte) (Packet, int, error) {
	if len(buf) < sizePIP {
		return Packet{}, 0, pt.ErrEOS
	}

	var payload uint64
	for i := 0; i < plPIPSize; i++ {
		payload |= uint64(buf[2+i]) << (8 * i)
	}

	pkt := Packet{
		Type: TypePIP,
		CR3:  payload >> plPIPShr << plPIPShl,
	}
	return pkt, sizePIP, nil
}

func decodeTSC(buf []byte) (Packet, int, error) {
	if len(buf) < sizeTSC {
		return Packet{}, 0, pt.ErrEOS
	}

	var tsc uint64
	for i := 0; i < plTSCSize; i++ {
		tsc |= uint64(buf[1+i]) << (8 * i)
	}

	pkt := Packet{
		Type: TypeTSC,
		TSC:  tsc,
	}
	return pkt, sizeTSC, nil
}

func decodeCBR(buf []byte) (Packet, int, error) {
	if len(buf) < sizeCBR {
		return Packet{}, 0, pt.ErrEOS
	}

	pkt := Packet{
		Type:  TypeCBR,
		Ratio: buf[2],
	}
	return pkt, sizeCBR, nil
}

func decodeMode(buf []byte) (Packet, int, error) {
	if len(buf) < sizeMode {
		return Packet{}, 0, pt.ErrEOS
	}

	payload := buf[1]
	pkt := Packet{
		Type: TypeMode,
		Leaf: ModeLeaf(payload & opmModeLeaf),
	}

	switch pkt.Leaf {
	case LeafExec:
		pkt.CSL = payload&mobExecCSL != 0
		pkt.CSD = payload&mobExecCSD != 0
	case LeafTSX:
		pkt.InTX = payload&mobTSXInTX != 0
		pkt.Abort = payload&mobTSXAbrt != 0
	default:
		return Packet{}, 0, pt.ErrBadPacket
	}

	return pkt, sizeMode, nil
}
