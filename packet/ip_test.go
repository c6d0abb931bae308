package packet

import (
	"testing"
)

func TestUpdateIP(t *testing.T) {
	tests := []struct {
		name    string
		last    uint64
		ipc     IPCompression
		payload uint64
		want    uint64
	}{
		{"suppressed keeps last", 0x1000, IPSuppressed, 0, 0x1000},
		{"update-16 replaces low bits", 0xffffffffffff8000, IPUpdate16, 0x1234, 0xffffffffffff1234},
		{"update-32 replaces low bits", 0x00007fff00000000, IPUpdate32, 0xdeadbeef, 0x00007fffdeadbeef},
		{"sext-48 positive", 0xffffffffffffffff, IPSext48, 0x00007fffffff0000, 0x00007fffffff0000},
		{"sext-48 negative", 0, IPSext48, 0xffffffff8000, 0xffffffffffff8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UpdateIP(tt.last, tt.ipc, tt.payload)
			if err != nil {
				t.Fatalf("UpdateIP() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("UpdateIP() = 0x%x, want 0x%x", got, tt.want)
			}
		})
	}
}

// Applying a compression and re-compressing at the minimum width must yield
// the same resulting IP.
func TestCompressIPRoundTrip(t *testing.T) {
	lasts := []uint64{0, 0x1000, 0xffffffffffff8000, 0x00007fff12345678}
	ips := []uint64{
		0x1234,
		0x1010,
		0xffffffffffff1234,
		0x00007fff12340000,
		0xffffffff80001000,
		0x400000,
	}

	for _, last := range lasts {
		for _, ip := range ips {
			ipc, payload, err := CompressIP(ip, last)
			if err != nil {
				// Not representable against this last IP.
				continue
			}

			got, err := UpdateIP(last, ipc, payload)
			if err != nil {
				t.Fatalf("UpdateIP() error: %v", err)
			}
			if got != ip {
				t.Errorf("last=0x%x ip=0x%x: %s/0x%x decodes to 0x%x",
					last, ip, ipc, payload, got)
			}
		}
	}
}

func TestCompressIPPicksNarrowest(t *testing.T) {
	tests := []struct {
		ip, last uint64
		want     IPCompression
	}{
		{0x1234, 0x1000, IPUpdate16},
		{0x00015678, 0x00010000, IPUpdate16},
		{0x00025678, 0x00010000, IPUpdate32},
		{0xffffffffffff1234, 0xffffffffffff8000, IPUpdate16},
		{0x400000, 0xffffffffffff8000, IPSext48},
	}

	for _, tt := range tests {
		ipc, _, err := CompressIP(tt.ip, tt.last)
		if err != nil {
			t.Fatalf("CompressIP(0x%x, 0x%x) error: %v", tt.ip, tt.last, err)
		}
		if ipc != tt.want {
			t.Errorf("CompressIP(0x%x, 0x%x) = %s, want %s", tt.ip, tt.last, ipc, tt.want)
		}
	}
}

func TestCompressIPUnrepresentable(t *testing.T) {
	// Upper bits differ from last and the address does not sign-extend
	// from 48 bits.
	if _, _, err := CompressIP(0x1234567890abcdef, 0); err == nil {
		t.Error("CompressIP() expected an error")
	}
}
