package packet

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"intelpt/pt"
)

// legalPackets is one representative per packet kind and IP compression.
var legalPackets = []Packet{
	{Type: TypePad},
	{Type: TypePSB},
	{Type: TypePSBEnd},
	{Type: TypeOVF},
	{Type: TypeTIP, IPC: IPSuppressed},
	{Type: TypeTIP, IPC: IPUpdate16, IP: 0x1234},
	{Type: TypeTIP, IPC: IPUpdate32, IP: 0xdeadbeef},
	{Type: TypeTIP, IPC: IPSext48, IP: 0xffffffff8000},
	{Type: TypeTIPPGE, IPC: IPUpdate16, IP: 0xcafe},
	{Type: TypeTIPPGE, IPC: IPSext48, IP: 0x400000},
	{Type: TypeTIPPGD, IPC: IPSuppressed},
	{Type: TypeTIPPGD, IPC: IPUpdate32, IP: 0x00401000},
	{Type: TypeFUP, IPC: IPSext48, IP: 0x500000},
	{Type: TypeFUP, IPC: IPUpdate16, IP: 0xbeef},
	{Type: TypeTNT8, BitSize: 1, Payload: 0x1},
	{Type: TypeTNT8, BitSize: 3, Payload: 0x5},
	{Type: TypeTNT8, BitSize: 6, Payload: 0x2a},
	{Type: TypeTNT64, BitSize: 1, Payload: 0x0},
	{Type: TypeTNT64, BitSize: 47, Payload: 0x4badcafebabe},
	{Type: TypeMode, Leaf: LeafExec, CSL: true},
	{Type: TypeMode, Leaf: LeafExec, CSD: true},
	{Type: TypeMode, Leaf: LeafTSX, InTX: true, Abort: true},
	{Type: TypePIP, CR3: 0x12345000},
	{Type: TypeTSC, TSC: 0x11223344556677},
	{Type: TypeCBR, Ratio: 0x38},
}

func TestRoundTrip(t *testing.T) {
	for _, want := range legalPackets {
		t.Run(want.Description(), func(t *testing.T) {
			buf := make([]byte, 32)
			written, err := Encode(buf, &want)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if written != want.Size() {
				t.Errorf("Encode() wrote %d bytes, Size() = %d", written, want.Size())
			}

			got, size, err := Decode(buf[:written], nil)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if size != written {
				t.Errorf("Decode() consumed %d bytes, encoded %d", size, written)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSizeTable(t *testing.T) {
	tests := []struct {
		pkt  Packet
		size int
	}{
		{Packet{Type: TypePad}, 1},
		{Packet{Type: TypeTNT8, BitSize: 2, Payload: 1}, 1},
		{Packet{Type: TypeTIP, IPC: IPSuppressed}, 1},
		{Packet{Type: TypeTIP, IPC: IPUpdate16}, 3},
		{Packet{Type: TypeTIP, IPC: IPUpdate32}, 5},
		{Packet{Type: TypeTIP, IPC: IPSext48}, 7},
		{Packet{Type: TypeFUP, IPC: IPSext48}, 7},
		{Packet{Type: TypeTIPPGE, IPC: IPUpdate16}, 3},
		{Packet{Type: TypeTIPPGD, IPC: IPUpdate32}, 5},
		{Packet{Type: TypePSB}, 16},
		{Packet{Type: TypePSBEnd}, 2},
		{Packet{Type: TypeOVF}, 2},
		{Packet{Type: TypePIP}, 8},
		{Packet{Type: TypeTNT64, BitSize: 1}, 8},
		{Packet{Type: TypeTSC}, 8},
		{Packet{Type: TypeCBR}, 4},
		{Packet{Type: TypeMode, Leaf: LeafExec}, 2},
	}

	for _, tt := range tests {
		if got := tt.pkt.Size(); got != tt.size {
			t.Errorf("%s: Size() = %d, want %d", tt.pkt.Type, got, tt.size)
		}

		// The decoded size must match the table as well.
		buf := make([]byte, 32)
		written, err := Encode(buf, &tt.pkt)
		if err != nil {
			t.Fatalf("%s: Encode() error: %v", tt.pkt.Type, err)
		}
		if written != tt.size {
			t.Errorf("%s: Encode() wrote %d bytes, want %d", tt.pkt.Type, written, tt.size)
		}
		if _, size, err := Decode(buf[:written], nil); err != nil || size != tt.size {
			t.Errorf("%s: Decode() = (%d, %v), want (%d, nil)", tt.pkt.Type, size, err, tt.size)
		}
	}
}

func TestEncodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
		want error
	}{
		{"tnt8 too many bits", Packet{Type: TypeTNT8, BitSize: 7, Payload: 0}, pt.ErrBadPacket},
		{"tnt8 payload too wide", Packet{Type: TypeTNT8, BitSize: 2, Payload: 0xf}, pt.ErrBadPacket},
		{"tnt8 empty", Packet{Type: TypeTNT8, BitSize: 0}, pt.ErrBadPacket},
		{"tnt64 too many bits", Packet{Type: TypeTNT64, BitSize: 48}, pt.ErrBadPacket},
		{"ip payload too wide", Packet{Type: TypeTIP, IPC: IPUpdate16, IP: 0x10000}, pt.ErrBadPacket},
		{"sext48 payload too wide", Packet{Type: TypeFUP, IPC: IPSext48, IP: 1 << 48}, pt.ErrBadPacket},
		{"tsc too wide", Packet{Type: TypeTSC, TSC: 1 << 56}, pt.ErrBadPacket},
		{"pip cr3 too wide", Packet{Type: TypePIP, CR3: 1 << 53}, pt.ErrBadPacket},
		{"invalid type", Packet{Type: TypeInvalid}, pt.ErrBadOpc},
		{"unknown not encodable", Packet{Type: TypeUnknown, Raw: []byte{0x59}}, pt.ErrBadOpc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 32)
			if _, err := Encode(buf, &tt.pkt); err != tt.want {
				t.Errorf("Encode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeShortBuffer(t *testing.T) {
	pkt := Packet{Type: TypeTSC, TSC: 42}
	buf := make([]byte, 4)
	if _, err := Encode(buf, &pkt); err != pt.ErrEOS {
		t.Errorf("Encode() error = %v, want %v", err, pt.ErrEOS)
	}
}

func TestDecodeBadCompression(t *testing.T) {
	// TIP opcode with compression bits 0x4: reserved.
	buf := []byte{0x0d | 0x4<<5, 0, 0}
	if _, _, err := Decode(buf, nil); err != pt.ErrBadPacket {
		t.Errorf("Decode() error = %v, want %v", err, pt.ErrBadPacket)
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"tip missing payload", []byte{0x0d | byte(IPSext48)<<5, 0x00}},
		{"lone ext", []byte{0x02}},
		{"psb cut short", []byte{0x02, 0x82, 0x02, 0x82}},
		{"tsc cut short", []byte{0x19, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode(tt.buf, nil); err != pt.ErrEOS {
				t.Errorf("Decode() error = %v, want %v", err, pt.ErrEOS)
			}
		})
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	buf := []byte{0x59, 0xaa, 0xbb}

	// Without a callback the opcode is an error.
	if _, _, err := Decode(buf, &pt.Config{}); err != pt.ErrBadOpc {
		t.Errorf("Decode() error = %v, want %v", err, pt.ErrBadOpc)
	}

	// The callback decides how many bytes the packet occupies.
	config := &pt.Config{
		DecodeUnknown: func(pos []byte) (int, interface{}, error) {
			return 2, "priv", nil
		},
	}
	pkt, size, err := Decode(buf, config)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if size != 2 || pkt.Type != TypeUnknown {
		t.Errorf("Decode() = (%s, %d), want (UNKNOWN, 2)", pkt.Type, size)
	}
	if diff := cmp.Diff([]byte{0x59, 0xaa}, pkt.Raw); diff != "" {
		t.Errorf("unknown raw bytes mismatch (-want +got):\n%s", diff)
	}
	if pkt.Priv != "priv" {
		t.Errorf("unknown priv = %v, want priv", pkt.Priv)
	}

	// A callback claiming more bytes than the buffer has is an error.
	config.DecodeUnknown = func(pos []byte) (int, interface{}, error) {
		return len(pos) + 1, nil, nil
	}
	if _, _, err := Decode(buf, config); err != pt.ErrBadPacket {
		t.Errorf("Decode() error = %v, want %v", err, pt.ErrBadPacket)
	}
}

func TestPIPTransform(t *testing.T) {
	// The PIP payload encodes CR3 as (cr3 >> 5) << 1; the low 5 bits are
	// zero after decoding.
	want := Packet{Type: TypePIP, CR3: 0x0000123456789fe0}

	buf := make([]byte, sizePIP)
	if _, err := Encode(buf, &want); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, _, err := Decode(buf, nil)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.CR3 != want.CR3 {
		t.Errorf("CR3 = 0x%x, want 0x%x", got.CR3, want.CR3)
	}
	if got.CR3&0x1f != 0 {
		t.Errorf("CR3 low bits not cleared: 0x%x", got.CR3)
	}
}

func TestTNTStopBit(t *testing.T) {
	// bits=3, payload=0b101 encodes as 0b11010.
	pkt, size, err := Decode([]byte{0x1a}, nil)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if size != 1 {
		t.Errorf("size = %d, want 1", size)
	}

	want := Packet{Type: TypeTNT8, BitSize: 3, Payload: 0x5}
	if diff := cmp.Diff(want, pkt); diff != "" {
		t.Errorf("TNT-8 mismatch (-want +got):\n%s", diff)
	}
}

func TestModeBits(t *testing.T) {
	tests := []struct {
		csl, csd bool
		mode     pt.ExecMode
	}{
		{false, false, pt.ExecMode16Bit},
		{false, true, pt.ExecMode32Bit},
		{true, false, pt.ExecMode64Bit},
		{true, true, pt.ExecModeUnknown},
	}

	for _, tt := range tests {
		pkt := Packet{Type: TypeMode, Leaf: LeafExec, CSL: tt.csl, CSD: tt.csd}
		if got := pkt.ExecMode(); got != tt.mode {
			t.Errorf("csl=%v csd=%v: ExecMode() = %s, want %s", tt.csl, tt.csd, got, tt.mode)
		}

		var back Packet
		back.SetExecMode(tt.mode)
		if back.CSL != tt.csl || back.CSD != tt.csd {
			t.Errorf("SetExecMode(%s) = csl=%v csd=%v, want csl=%v csd=%v",
				tt.mode, back.CSL, back.CSD, tt.csl, tt.csd)
		}
	}
}
