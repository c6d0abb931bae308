package pt

// CPUVendor identifies a cpu vendor.
type CPUVendor int

const (
	VendorUnknown CPUVendor = iota
	VendorIntel
)

func (v CPUVendor) String() string {
	switch v {
	case VendorIntel:
		return "GenuineIntel"
	default:
		return "unknown"
	}
}

// CPU identifies the cpu on which a trace has been recorded.
type CPU struct {
	Vendor   CPUVendor
	Family   uint16
	Model    uint8
	Stepping uint8
}

// Errata is the collection of Intel PT errata the decoder mitigates when the
// corresponding flag is set.
type Errata struct {
	// BDM70: Intel PT PSB+ packets may contain unexpected packets.
	//
	// When a TIP.PGE packet is generated it may be preceded by a PSB+ that
	// incorrectly includes FUP and MODE.Exec packets.
	BDM70 bool

	// BDM64: an incorrect Intel PT packet may be recorded following a
	// transactional abort.
	//
	// If an abort occurs immediately following a branch instruction, an
	// incorrect branch target may be logged before the packet produced by
	// the abort.
	BDM64 bool
}

// CPUErrata returns the errata that apply to the given cpu.
func CPUErrata(cpu CPU) (Errata, error) {
	var errata Errata

	// We don't know about others.
	if cpu.Vendor != VendorIntel {
		return errata, nil
	}

	switch cpu.Family {
	case 0x6:
		switch cpu.Model {
		case 0x3d:
			errata.BDM70 = true
			errata.BDM64 = true

		case 0x5e:
			errata.BDM70 = true
		}
	}

	return errata, nil
}

// UnknownDecoder is an optional callback for handling unknown packets.
//
// It is called with the remaining trace buffer starting at the unknown
// opcode. It returns the number of bytes it consumed and an optional
// caller-private value that is attached to the resulting unknown packet.
type UnknownDecoder func(pos []byte) (size int, priv interface{}, err error)

// Config is an Intel PT decoder configuration.
//
// A Config is treated as immutable once a decoder has been created on it;
// decoders borrow Buffer for their lifetime.
type Config struct {
	// Buffer is the raw trace data.
	Buffer []byte

	// CPU is the cpu on which the trace has been recorded.
	CPU CPU

	// Errata selects the erratum workarounds to apply.
	Errata Errata

	// DecodeUnknown, if non-nil, is called for any unknown opcode.
	DecodeUnknown UnknownDecoder
}
