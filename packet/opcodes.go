package packet

// One byte opcodes.
const (
	opcPad    = 0x00
	opcExt    = 0x02
	opcTIPPGD = 0x01
	opcTIP    = 0x0d
	opcTIPPGE = 0x11
	opcTSC    = 0x19
	opcFUP    = 0x1d
	opcMode   = 0x99
)

// One byte extension codes for ext opcodes.
const (
	extCBR    = 0x03
	extPSBEnd = 0x23
	extPIP    = 0x43
	extPSB    = 0x82
	extTNT64  = 0xa3
	extOVF    = 0xf3
)

// Opcode masks.
const (
	opmTIP      = 0x1f
	opmTNT8     = 0x01
	opmTNT8Shr  = 1
	opmIPC      = 0xe0
	opmIPCShr   = 5
	opmModeLeaf = 0xe0
	opmModeBits = 0x1f
)

// Mode packet leaves and bits.
const (
	molExec = 0x00
	molTSX  = 0x20

	mobExecCSL = 0x01
	mobExecCSD = 0x02
	mobTSXInTX = 0x01
	mobTSXAbrt = 0x02
)

// Payload details.
const (
	// The shift counts for post-processing the PIP payload.
	plPIPShr = 1
	plPIPShl = 5

	plPIPSize  = 6
	plTNT64Size = 6
	plTSCSize  = 7
	plCBRSize  = 2
	plModeSize = 1

	// The maximum number of TNT bits in a TNT-8 / TNT-64 payload,
	// excluding the stop bit.
	plTNT8MaxBits  = 6
	plTNT64MaxBits = 47

	plIPUpd16Size  = 2
	plIPUpd32Size  = 4
	plIPSext48Size = 6
)

// The psb magic payload is a repeating 2-byte pattern.
const (
	psbHi          = opcExt
	psbLo          = extPSB
	psbRepeatCount = 7
	psbRepeatSize  = 2
)

// The size of the various packets in bytes.
const (
	sizePad    = 1
	sizeTNT8   = 1
	sizeMode   = 1 + plModeSize
	sizeTSC    = 1 + plTSCSize
	sizePSB    = 2 + psbRepeatCount*psbRepeatSize
	sizePSBEnd = 2
	sizeOVF    = 2
	sizePIP    = 2 + plPIPSize
	sizeTNT64  = 2 + plTNT64Size
	sizeCBR    = 2 + plCBRSize
)
