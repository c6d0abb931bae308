package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"intelpt/packet"
	"intelpt/pt"
)

// encodeTrace builds a raw trace buffer from the given packets.
func encodeTrace(t *testing.T, packets ...packet.Packet) []byte {
	t.Helper()

	buf := make([]byte, 1024)
	enc, err := packet.NewEncoder(&pt.Config{Buffer: buf})
	if err != nil {
		t.Fatalf("NewEncoder() error: %v", err)
	}

	for i := range packets {
		if _, err := enc.Next(&packets[i]); err != nil {
			t.Fatalf("encode %s: %v", packets[i].Type, err)
		}
	}

	return buf[:enc.Offset()]
}

func newTestDecoder(t *testing.T, config *pt.Config) *Decoder {
	t.Helper()

	dec, err := NewDecoder(config)
	if err != nil {
		t.Fatalf("NewDecoder() error: %v", err)
	}
	return dec
}

func psbPlus() []packet.Packet {
	return []packet.Packet{
		{Type: packet.TypePSB},
		{Type: packet.TypePSBEnd},
	}
}

func TestEmptyTrace(t *testing.T) {
	dec := newTestDecoder(t, &pt.Config{})

	if _, _, err := dec.SyncForward(); err != pt.ErrEOS {
		t.Errorf("SyncForward() error = %v, want %v", err, pt.ErrEOS)
	}
}

func TestSinglePSB(t *testing.T) {
	buf := encodeTrace(t, psbPlus()...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	// No events are pending.
	if _, _, err := dec.Event(); err != pt.ErrBadQuery {
		t.Errorf("Event() error = %v, want %v", err, pt.ErrBadQuery)
	}
}

func TestCondBranchSequence(t *testing.T) {
	// TNT-8 with three bits: taken, not taken, taken.
	pkts := append(psbPlus(), packet.Packet{
		Type: packet.TypeTNT8, BitSize: 3, Payload: 0x5,
	})
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	want := []bool{true, false, true}
	for i, w := range want {
		taken, _, err := dec.CondBranch()
		if err != nil {
			t.Fatalf("CondBranch() #%d error: %v", i, err)
		}
		if taken != w {
			t.Errorf("CondBranch() #%d = %v, want %v", i, taken, w)
		}
	}

	if _, _, err := dec.CondBranch(); err != pt.ErrBadQuery {
		t.Errorf("CondBranch() #4 error = %v, want %v", err, pt.ErrBadQuery)
	}
}

func TestIndirectBranchSext48(t *testing.T) {
	pkts := append(psbPlus(), packet.Packet{
		Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0xffffffff8000,
	})
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	ip, status, err := dec.IndirectBranch()
	if err != nil {
		t.Fatalf("IndirectBranch() error: %v", err)
	}
	if status&pt.StatusIPSuppressed != 0 {
		t.Fatal("IndirectBranch() reported a suppressed IP")
	}
	if ip != 0xffffffffffff8000 {
		t.Errorf("IndirectBranch() = 0x%x, want 0xffffffffffff8000", ip)
	}
}

func TestUpdateCompressionCarriesOver(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0xffffffff8000},
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPUpdate16, IP: 0x1234},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	ip, _, err := dec.IndirectBranch()
	if err != nil {
		t.Fatalf("IndirectBranch() #1 error: %v", err)
	}
	if ip != 0xffffffffffff8000 {
		t.Fatalf("IndirectBranch() #1 = 0x%x", ip)
	}

	ip, _, err = dec.IndirectBranch()
	if err != nil {
		t.Fatalf("IndirectBranch() #2 error: %v", err)
	}
	if ip != 0xffffffffffff1234 {
		t.Errorf("IndirectBranch() #2 = 0x%x, want 0xffffffffffff1234", ip)
	}
}

func TestModeBindsToTIP(t *testing.T) {
	exec := packet.Packet{Type: packet.TypeMode, Leaf: packet.LeafExec}
	exec.SetExecMode(pt.ExecMode64Bit)

	pkts := append(psbPlus(),
		exec,
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0x400000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	_, status, err := dec.SyncForward()
	if err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}
	if status&pt.StatusEventPending == 0 {
		t.Error("SyncForward() did not signal the pending event")
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}

	want := Event{Type: EventExecMode, Mode: pt.ExecMode64Bit, IP: 0x400000}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}

	// The TIP still answers the indirect branch query.
	ip, _, err := dec.IndirectBranch()
	if err != nil {
		t.Fatalf("IndirectBranch() error: %v", err)
	}
	if ip != 0x400000 {
		t.Errorf("IndirectBranch() = 0x%x, want 0x400000", ip)
	}
}

func TestOverflow(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeOVF},
		packet.Packet{Type: packet.TypeFUP, IPC: packet.IPSext48, IP: 0x500000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	_, status, err := dec.SyncForward()
	if err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}
	if status&pt.StatusEventPending == 0 {
		t.Error("SyncForward() did not signal the pending overflow")
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if ev.Type != EventOverflow || ev.IP != 0x500000 {
		t.Errorf("Event() = %s, want overflow at 0x500000", ev.String())
	}

	// The overflow dropped the TNT cache.
	if dec.PendingTNT() != 0 {
		t.Errorf("PendingTNT() = %d after overflow, want 0", dec.PendingTNT())
	}
}

func TestEnableDisable(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeTIPPGE, IPC: packet.IPSext48, IP: 0x1000},
		packet.Packet{Type: packet.TypeTIPPGD, IPC: packet.IPSuppressed},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() #1 error: %v", err)
	}
	if ev.Type != EventEnabled || ev.IP != 0x1000 {
		t.Errorf("Event() #1 = %s, want enabled at 0x1000", ev.String())
	}

	ev, _, err = dec.Event()
	if err != nil {
		t.Fatalf("Event() #2 error: %v", err)
	}
	if ev.Type != EventDisabled {
		t.Errorf("Event() #2 = %s, want disabled", ev.String())
	}
	if !ev.IPSuppressed {
		t.Error("Event() #2 did not report the suppressed IP")
	}
}

func TestAsyncBranch(t *testing.T) {
	// A PSB+ FUP provides the sync IP; the bare FUP afterwards announces
	// an async branch completed by the TIP.
	pkts := []packet.Packet{
		{Type: packet.TypePSB},
		{Type: packet.TypeFUP, IPC: packet.IPSext48, IP: 0x1000},
		{Type: packet.TypePSBEnd},
		{Type: packet.TypeFUP, IPC: packet.IPUpdate16, IP: 0x1004},
		{Type: packet.TypeTIP, IPC: packet.IPUpdate16, IP: 0x2345},
	}
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	ip, _, err := dec.SyncForward()
	if err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}
	if ip != 0x1000 {
		t.Errorf("SyncForward() ip = 0x%x, want 0x1000", ip)
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if ev.Type != EventAsyncBranch || ev.From != 0x1004 || ev.To != 0x2345 {
		t.Errorf("Event() = %s, want async branch 0x1004 -> 0x2345", ev.String())
	}
}

func TestPagingStandalone(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypePIP, CR3: 0x12345000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if ev.Type != EventPaging || ev.CR3 != 0x12345000 {
		t.Errorf("Event() = %s, want paging cr3=0x12345000", ev.String())
	}
}

func TestPSBHeaderStatusEvents(t *testing.T) {
	// MODE and PIP inside PSB+ are reported as status updates carrying
	// the sync IP.
	exec := packet.Packet{Type: packet.TypeMode, Leaf: packet.LeafExec}
	exec.SetExecMode(pt.ExecMode64Bit)

	pkts := []packet.Packet{
		{Type: packet.TypePSB},
		exec,
		{Type: packet.TypePIP, CR3: 0x77000},
		{Type: packet.TypeFUP, IPC: packet.IPSext48, IP: 0x1000},
		{Type: packet.TypePSBEnd},
	}
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	ip, status, err := dec.SyncForward()
	if err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}
	if ip != 0x1000 {
		t.Errorf("SyncForward() ip = 0x%x, want 0x1000", ip)
	}
	if status&pt.StatusEventPending == 0 {
		t.Fatal("SyncForward() did not signal the status events")
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() #1 error: %v", err)
	}
	if ev.Type != EventExecMode || !ev.StatusUpdate || ev.IP != 0x1000 {
		t.Errorf("Event() #1 = %s, want exec mode status update at 0x1000", ev.String())
	}

	ev, _, err = dec.Event()
	if err != nil {
		t.Fatalf("Event() #2 error: %v", err)
	}
	if ev.Type != EventAsyncPaging || !ev.StatusUpdate || ev.CR3 != 0x77000 {
		t.Errorf("Event() #2 = %s, want async paging status update", ev.String())
	}
}

func TestTimingQueries(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeTSC, TSC: 0xabcdef},
		packet.Packet{Type: packet.TypeCBR, Ratio: 0x28},
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0x1000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	// Reading ahead to the TIP consumed the timing packets.
	tsc, err := dec.Time()
	if err != nil {
		t.Fatalf("Time() error: %v", err)
	}
	if tsc != 0xabcdef {
		t.Errorf("Time() = 0x%x, want 0xabcdef", tsc)
	}

	cbr, err := dec.CoreBusRatio()
	if err != nil {
		t.Fatalf("CoreBusRatio() error: %v", err)
	}
	if cbr != 0x28 {
		t.Errorf("CoreBusRatio() = %d, want 40", cbr)
	}
}

func TestTimeUnavailable(t *testing.T) {
	buf := encodeTrace(t, psbPlus()...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	if _, err := dec.Time(); err != pt.ErrNoTime {
		t.Errorf("Time() error = %v, want %v", err, pt.ErrNoTime)
	}
	if _, err := dec.CoreBusRatio(); err != pt.ErrNoCBR {
		t.Errorf("CoreBusRatio() error = %v, want %v", err, pt.ErrNoCBR)
	}
}

func TestEventCarriesTSC(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeTSC, TSC: 0x1111},
		packet.Packet{Type: packet.TypeTIPPGE, IPC: packet.IPSext48, IP: 0x1000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	ev, _, err := dec.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if !ev.HasTSC || ev.TSC != 0x1111 {
		t.Errorf("Event() tsc = (%v, 0x%x), want (true, 0x1111)", ev.HasTSC, ev.TSC)
	}
}

func TestStatusFlagConsistency(t *testing.T) {
	exec := packet.Packet{Type: packet.TypeMode, Leaf: packet.LeafExec}
	exec.SetExecMode(pt.ExecMode64Bit)

	pkts := append(psbPlus(),
		exec,
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0x400000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	_, status, err := dec.SyncForward()
	if err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	again, err := dec.Status()
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if again != status {
		t.Errorf("Status() = %v, SyncForward() returned %v", again, status)
	}

	_, status, err = dec.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	again, _ = dec.Status()
	if again != status {
		t.Errorf("Status() = %v, Event() returned %v", again, status)
	}
}

func TestSyncSetRequiresPSB(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0x1000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, _, err := dec.SyncSet(1); err != pt.ErrNoSync {
		t.Errorf("SyncSet(1) error = %v, want %v", err, pt.ErrNoSync)
	}
	if _, _, err := dec.SyncSet(uint64(len(buf) + 1)); err != pt.ErrInvalid {
		t.Errorf("SyncSet(past end) error = %v, want %v", err, pt.ErrInvalid)
	}

	if _, _, err := dec.SyncSet(0); err != nil {
		t.Errorf("SyncSet(0) error = %v", err)
	}
}

func TestSyncOffsets(t *testing.T) {
	pkts := append(psbPlus(),
		packet.Packet{Type: packet.TypeTIP, IPC: packet.IPSext48, IP: 0x1000},
	)
	buf := encodeTrace(t, pkts...)
	dec := newTestDecoder(t, &pt.Config{Buffer: buf})

	if _, err := dec.Offset(); err != pt.ErrNoSync {
		t.Errorf("Offset() before sync: error = %v, want %v", err, pt.ErrNoSync)
	}

	if _, _, err := dec.SyncForward(); err != nil {
		t.Fatalf("SyncForward() error: %v", err)
	}

	sync, err := dec.SyncOffset()
	if err != nil || sync != 0 {
		t.Errorf("SyncOffset() = (%d, %v), want (0, nil)", sync, err)
	}

	// No second sync point.
	if _, _, err := dec.SyncForward(); err != pt.ErrEOS {
		t.Errorf("SyncForward() #2 error = %v, want %v", err, pt.ErrEOS)
	}
}
