package packet

import (
	"fmt"

	"intelpt/pt"
)

// Type represents the type of an Intel PT packet
type Type int

const (
	TypeInvalid Type = iota
	TypePad
	TypePSB
	TypePSBEnd
	TypeOVF
	TypeTIP
	TypeTIPPGE
	TypeTIPPGD
	TypeFUP
	TypeTNT8
	TypeTNT64
	TypeMode
	TypePIP
	TypeTSC
	TypeCBR
	TypeUnknown
)

func (t Type) String() string {
	switch t {
	case TypePad:
		return "PAD"
	case TypePSB:
		return "PSB"
	case TypePSBEnd:
		return "PSBEND"
	case TypeOVF:
		return "OVF"
	case TypeTIP:
		return "TIP"
	case TypeTIPPGE:
		return "TIP.PGE"
	case TypeTIPPGD:
		return "TIP.PGD"
	case TypeFUP:
		return "FUP"
	case TypeTNT8:
		return "TNT-8"
	case TypeTNT64:
		return "TNT-64"
	case TypeMode:
		return "MODE"
	case TypePIP:
		return "PIP"
	case TypeTSC:
		return "TSC"
	case TypeCBR:
		return "CBR"
	case TypeUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// IPCompression is the compression tag of an IP payload. The tag dictates
// the payload width on the wire and how the payload combines with the
// decoder's last-IP register.
type IPCompression int

const (
	// IPSuppressed indicates no payload; the IP has been suppressed.
	IPSuppressed IPCompression = 0x0

	// IPUpdate16 indicates a 16-bit payload updating the last IP.
	IPUpdate16 IPCompression = 0x1

	// IPUpdate32 indicates a 32-bit payload updating the last IP.
	IPUpdate32 IPCompression = 0x2

	// IPSext48 indicates a 48-bit payload that is sign extended to the
	// full address.
	IPSext48 IPCompression = 0x3
)

func (c IPCompression) String() string {
	switch c {
	case IPSuppressed:
		return "suppressed"
	case IPUpdate16:
		return "update-16"
	case IPUpdate32:
		return "update-32"
	case IPSext48:
		return "sext-48"
	default:
		return "invalid"
	}
}

// PayloadSize returns the wire size of the payload in bytes.
func (c IPCompression) PayloadSize() int {
	switch c {
	case IPSuppressed:
		return 0
	case IPUpdate16:
		return plIPUpd16Size
	case IPUpdate32:
		return plIPUpd32Size
	case IPSext48:
		return plIPSext48Size
	default:
		return 0
	}
}

// ModeLeaf selects the mode packet leaf.
type ModeLeaf int

const (
	LeafExec ModeLeaf = molExec
	LeafTSX  ModeLeaf = molTSX
)

// Packet represents a decoded Intel PT packet
type Packet struct {
	Type Type

	// IP packets (tip, tip.pge, tip.pgd, fup)
	IPC IPCompression
	IP  uint64 // right-zero-extended raw payload

	// TNT packets
	BitSize uint8  // number of TNT bits, stop bit excluded
	Payload uint64 // TNT bits, most recent branch in the least significant bit

	// Mode packets
	Leaf  ModeLeaf
	CSL   bool // mode.exec
	CSD   bool // mode.exec
	InTX  bool // mode.tsx
	Abort bool // mode.tsx

	// PIP
	CR3 uint64

	// TSC
	TSC uint64

	// CBR
	Ratio uint8

	// Unknown packets
	Raw  []byte      // raw packet bytes
	Priv interface{} // caller-private value from the unknown-packet callback
}

// Size returns the encoded size of the packet in bytes, including opcode
// and payload.
func (p *Packet) Size() int {
	switch p.Type {
	case TypePad, TypeTNT8:
		return 1
	case TypePSB:
		return sizePSB
	case TypePSBEnd:
		return sizePSBEnd
	case TypeOVF:
		return sizeOVF
	case TypeTIP, TypeTIPPGE, TypeTIPPGD, TypeFUP:
		return 1 + p.IPC.PayloadSize()
	case TypeTNT64:
		return sizeTNT64
	case TypeMode:
		return sizeMode
	case TypePIP:
		return sizePIP
	case TypeTSC:
		return sizeTSC
	case TypeCBR:
		return sizeCBR
	case TypeUnknown:
		return len(p.Raw)
	default:
		return 0
	}
}

// ExecMode returns the execution mode encoded in a mode.exec packet.
func (p *Packet) ExecMode() pt.ExecMode {
	if p.CSL {
		if p.CSD {
			return pt.ExecModeUnknown
		}
		return pt.ExecMode64Bit
	}
	if p.CSD {
		return pt.ExecMode32Bit
	}
	return pt.ExecMode16Bit
}

// SetExecMode fills in the mode.exec bits for the given execution mode.
func (p *Packet) SetExecMode(mode pt.ExecMode) {
	switch mode {
	case pt.ExecMode64Bit:
		p.CSL, p.CSD = true, false
	case pt.ExecMode32Bit:
		p.CSL, p.CSD = false, true
	case pt.ExecMode16Bit:
		p.CSL, p.CSD = false, false
	default:
		p.CSL, p.CSD = true, true
	}
}

// Description returns a human-readable description of the packet
func (p *Packet) Description() string {
	switch p.Type {
	case TypeTIP, TypeTIPPGE, TypeTIPPGD, TypeFUP:
		if p.IPC == IPSuppressed {
			return fmt.Sprintf("%s; ip suppressed", p.Type)
		}
		return fmt.Sprintf("%s; %s; payload=0x%x", p.Type, p.IPC, p.IP)
	case TypeTNT8, TypeTNT64:
		return fmt.Sprintf("%s; %s", p.Type, tntPattern(p.Payload, p.BitSize))
	case TypeMode:
		if p.Leaf == LeafExec {
			return fmt.Sprintf("MODE.Exec; %s", p.ExecMode())
		}
		return fmt.Sprintf("MODE.TSX; intx=%v abrt=%v", p.InTX, p.Abort)
	case TypePIP:
		return fmt.Sprintf("PIP; cr3=0x%x", p.CR3)
	case TypeTSC:
		return fmt.Sprintf("TSC; tsc=0x%x", p.TSC)
	case TypeCBR:
		return fmt.Sprintf("CBR; ratio=%d", p.Ratio)
	default:
		return p.Type.String()
	}
}

func tntPattern(payload uint64, bits uint8) string {
	if bits == 0 {
		return ""
	}
	pattern := make([]byte, bits)
	for i := uint8(0); i < bits; i++ {
		// Oldest branch first, matching the order bits are consumed.
		if payload&(1<<(bits-1-i)) != 0 {
			pattern[i] = '!'
		} else {
			pattern[i] = '.'
		}
	}
	return string(pattern)
}
