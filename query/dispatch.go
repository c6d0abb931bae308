package query

import (
	"intelpt/packet"
	"intelpt/pt"
)

// decodeFlag classifies what dispatching a packet implies for the decoder's
// one-packet lookahead.
type decodeFlag uint32

const (
	// pdfTIP: the packet is an indirect-branch target.
	pdfTIP decodeFlag = 1 << iota

	// pdfTNT: the packet refills the TNT cache.
	pdfTNT

	// pdfFUP: the packet resolves events bound to FUP.
	pdfFUP

	// pdfPSBEnd: the packet resolves events bound to PSBEND.
	pdfPSBEnd

	// pdfEvent: decoding the packet unconditionally produces an event.
	pdfEvent

	// pdfTiming: the packet only updates timing state.
	pdfTiming

	// pdfPad: the packet carries no information at all.
	pdfPad
)

// decoderFunc describes how the query decoder handles one packet kind.
// The header function is used inside a PSB+ sequence; packets without one
// are not permitted there.
type decoderFunc struct {
	flags  decodeFlag
	decode func(*Decoder) error
	header func(*Decoder) error
}

var (
	dfPad     = &decoderFunc{}
	dfPSB     = &decoderFunc{}
	dfPSBEnd  = &decoderFunc{}
	dfOVF     = &decoderFunc{}
	dfTIP     = &decoderFunc{}
	dfTIPPGE  = &decoderFunc{}
	dfTIPPGD  = &decoderFunc{}
	dfFUP     = &decoderFunc{}
	dfTNT8    = &decoderFunc{}
	dfTNT64   = &decoderFunc{}
	dfMode    = &decoderFunc{}
	dfPIP     = &decoderFunc{}
	dfTSC     = &decoderFunc{}
	dfCBR     = &decoderFunc{}
	dfUnknown = &decoderFunc{}
)

var dfuns map[packet.Type]*decoderFunc

// init fills in the decoderFunc tables. It is done here, rather than in the
// var declarations above, because the decode/header functions transitively
// reach back into dfuns (via fetch), which would otherwise create a
// package-level initialization cycle.
func init() {
	*dfPad = decoderFunc{
		flags:  pdfPad,
		decode: (*Decoder).decodePad,
		header: (*Decoder).decodePad,
	}
	*dfPSB = decoderFunc{
		decode: (*Decoder).decodePSB,
	}
	*dfPSBEnd = decoderFunc{
		flags:  pdfPSBEnd,
		decode: (*Decoder).decodePSBEnd,
	}
	*dfOVF = decoderFunc{
		// An overflow always produces an event; it also flushes any
		// events pending at the end of an interrupted PSB+.
		flags:  pdfPSBEnd | pdfEvent,
		decode: (*Decoder).decodeOVF,
	}
	*dfTIP = decoderFunc{
		flags:  pdfTIP,
		decode: (*Decoder).decodeTIP,
	}
	*dfTIPPGE = decoderFunc{
		flags:  pdfEvent,
		decode: (*Decoder).decodeTIPPGE,
	}
	*dfTIPPGD = decoderFunc{
		flags:  pdfEvent,
		decode: (*Decoder).decodeTIPPGD,
	}
	*dfFUP = decoderFunc{
		flags:  pdfFUP,
		decode: (*Decoder).decodeFUP,
		header: (*Decoder).headerFUP,
	}
	*dfTNT8 = decoderFunc{
		flags:  pdfTNT,
		decode: (*Decoder).decodeTNT,
	}
	*dfTNT64 = decoderFunc{
		flags:  pdfTNT,
		decode: (*Decoder).decodeTNT,
	}
	*dfMode = decoderFunc{
		flags:  pdfEvent,
		decode: (*Decoder).decodeMode,
		header: (*Decoder).headerMode,
	}
	*dfPIP = decoderFunc{
		flags:  pdfEvent,
		decode: (*Decoder).decodePIP,
		header: (*Decoder).headerPIP,
	}
	*dfTSC = decoderFunc{
		flags:  pdfTiming,
		decode: (*Decoder).decodeTSC,
		header: (*Decoder).decodeTSC,
	}
	*dfCBR = decoderFunc{
		flags:  pdfTiming,
		decode: (*Decoder).decodeCBR,
		header: (*Decoder).decodeCBR,
	}
	*dfUnknown = decoderFunc{
		decode: (*Decoder).decodeUnknown,
	}

	dfuns = map[packet.Type]*decoderFunc{
		packet.TypePad:     dfPad,
		packet.TypePSB:     dfPSB,
		packet.TypePSBEnd:  dfPSBEnd,
		packet.TypeOVF:     dfOVF,
		packet.TypeTIP:     dfTIP,
		packet.TypeTIPPGE:  dfTIPPGE,
		packet.TypeTIPPGD:  dfTIPPGD,
		packet.TypeFUP:     dfFUP,
		packet.TypeTNT8:    dfTNT8,
		packet.TypeTNT64:   dfTNT64,
		packet.TypeMode:    dfMode,
		packet.TypePIP:     dfPIP,
		packet.TypeTSC:     dfTSC,
		packet.TypeCBR:     dfCBR,
		packet.TypeUnknown: dfUnknown,
	}
}

// readPacket decodes the packet at the current position without consuming
// it.
func (d *Decoder) readPacket() (packet.Packet, int, error) {
	if d.pos >= len(d.config.Buffer) {
		return packet.Packet{}, 0, pt.ErrEOS
	}
	return packet.Decode(d.config.Buffer[d.pos:], &d.config)
}

// fetch determines the decoder function for the packet at the current
// position without decoding it.
func (d *Decoder) fetch() error {
	d.next = nil

	typ, err := packet.Peek(d.config.Buffer[d.pos:])
	if err != nil {
		return err
	}

	if typ == packet.TypeUnknown && d.config.DecodeUnknown == nil {
		return pt.ErrBadOpc
	}

	df := dfuns[typ]
	if df == nil {
		return pt.ErrBadOpc
	}

	d.next = df
	return nil
}

// fillEventIP completes an event's IP field from the last-IP register,
// marking the event instead if the IP is suppressed.
func (d *Decoder) fillEventIP(ev *Event, field *uint64) {
	ip, err := d.ip.query()
	if err != nil {
		ev.IPSuppressed = true
		return
	}
	*field = ip
}

// addEventTime attaches the current timestamp to an event if one is known.
func (d *Decoder) addEventTime(ev *Event) {
	tsc, err := d.time.queryTSC()
	if err != nil {
		return
	}
	ev.TSC = tsc
	ev.HasTSC = true
}

func (d *Decoder) decodePad() error {
	_, size, err := d.readPacket()
	if err != nil {
		return err
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodeUnknown() error {
	_, size, err := d.readPacket()
	if err != nil {
		return err
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodePSB() error {
	_, size, err := d.readPacket()
	if err != nil {
		return err
	}

	d.pos += size

	// Decoding the PSBEND that terminates the header publishes the events
	// accumulated while reading it.
	return d.readPSBHeader()
}

// readPSBHeader processes the PSB+ status packets up to, but not including,
// the terminating PSBEND or OVF.
func (d *Decoder) readPSBHeader() error {
	d.ip.init()

	for {
		if err := d.fetch(); err != nil {
			return err
		}

		if d.next.flags&pdfPSBEnd != 0 {
			return nil
		}

		if d.next.header == nil {
			return pt.ErrBadContext
		}

		if err := d.next.header(d); err != nil {
			return err
		}
	}
}

// processPendingPSBEvents publishes the next event accumulated during the
// PSB+ header, if any. PSB+ events are status updates describing state at
// the synchronization point.
func (d *Decoder) processPendingPSBEvents() (bool, error) {
	ev := d.evq.dequeue(bindPSBEnd)
	if ev == nil {
		return false, nil
	}

	switch ev.Type {
	case EventAsyncPaging:
		d.fillEventIP(ev, &ev.IP)
	case EventExecMode:
		d.fillEventIP(ev, &ev.IP)
	case EventTSX:
		d.fillEventIP(ev, &ev.IP)
	default:
		return false, pt.ErrInternal
	}

	d.addEventTime(ev)
	ev.StatusUpdate = true
	d.event = ev
	return true, nil
}

func (d *Decoder) decodePSBEnd() error {
	published, err := d.processPendingPSBEvents()
	if err != nil {
		return err
	}
	if published {
		return nil
	}

	// No more psbend events pending; skip the packet.
	_, size, err := d.readPacket()
	if err != nil {
		return err
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodeTIP() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	if err := d.ip.update(pkt.IPC, pkt.IP); err != nil {
		return err
	}

	// Process any pending events binding to TIP.
	if ev := d.evq.dequeue(bindTIP); ev != nil {
		switch ev.Type {
		case EventAsyncBranch:
			d.fillEventIP(ev, &ev.To)
			d.consumePacket = true

		case EventAsyncPaging:
			d.fillEventIP(ev, &ev.IP)

		case EventExecMode:
			d.fillEventIP(ev, &ev.IP)

		default:
			return pt.ErrInternal
		}

		d.event = ev

		// Process further pending events before consuming the packet.
		if d.evq.pending(bindTIP) {
			return nil
		}

		if !d.consumePacket {
			return nil
		}
		d.consumePacket = false
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodeTIPPGE() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	if err := d.ip.update(pkt.IPC, pkt.IP); err != nil {
		return err
	}

	// The enable event goes out first so users need not store or blindly
	// apply other events that might be pending. The consumePacket flag
	// tracks that we already did.
	var ev *Event
	if !d.consumePacket {
		ip, err := d.ip.query()
		if err != nil {
			// We can't afford a suppressed IP here.
			return pt.ErrBadPacket
		}

		ev = d.evq.standalone()
		ev.Type = EventEnabled
		ev.IP = ip
		d.addEventTime(ev)

		// Discard TNT bits that should have been consumed at the
		// corresponding disable so the user does not get out of sync.
		d.tnt.init()

		d.consumePacket = true
		d.enabled = true
	} else {
		ev = d.evq.dequeue(bindTIP)
		if ev != nil {
			switch ev.Type {
			case EventExecMode:
				d.fillEventIP(ev, &ev.IP)
			default:
				return pt.ErrInternal
			}
		}
	}

	if ev == nil {
		return pt.ErrInternal
	}

	d.event = ev

	if d.evq.pending(bindTIP) {
		return nil
	}

	if !d.consumePacket {
		return pt.ErrInternal
	}
	d.consumePacket = false

	d.pos += size
	return nil
}

func (d *Decoder) decodeTIPPGD() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	if err := d.ip.update(pkt.IPC, pkt.IP); err != nil {
		return err
	}

	if ev := d.evq.dequeue(bindTIP); ev != nil {
		// The only event we expect is an async branch; the disable
		// consumes it.
		if ev.Type != EventAsyncBranch {
			return pt.ErrInternal
		}
		if d.evq.pending(bindTIP) {
			return pt.ErrInternal
		}

		ev.Type = EventAsyncDisabled
		ev.At = ev.From
		d.fillEventIP(ev, &ev.IP)

		d.event = ev
	} else {
		// A standalone disabled event.
		ev := d.evq.standalone()
		ev.Type = EventDisabled
		d.fillEventIP(ev, &ev.IP)
		d.addEventTime(ev)

		d.event = ev
	}

	d.enabled = false
	d.pos += size
	return nil
}

func (d *Decoder) decodeFUP() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	if err := d.ip.update(pkt.IPC, pkt.IP); err != nil {
		return err
	}

	if ev := d.evq.dequeue(bindFUP); ev != nil {
		switch ev.Type {
		case EventOverflow:
			// The IP at which tracing resumes must be available.
			ip, err := d.ip.query()
			if err != nil {
				return pt.ErrBadPacket
			}
			ev.IP = ip
			d.consumePacket = true

		case EventTSX:
			d.fillEventIP(ev, &ev.IP)

			// An aborted transaction leaves the FUP to double as
			// the source of the asynchronous branch to the abort
			// handler.
			if !ev.Aborted {
				d.consumePacket = true
			}

		default:
			return pt.ErrInternal
		}

		d.event = ev

		if d.evq.pending(bindFUP) {
			return nil
		}

		if !d.consumePacket {
			return nil
		}
		d.consumePacket = false
	} else {
		// A bare FUP announces an async branch whose destination comes
		// with the next TIP.
		ip, err := d.ip.query()
		if err != nil {
			return pt.ErrBadPacket
		}

		branch := d.evq.enqueue(bindTIP)
		if branch == nil {
			return pt.ErrNoMem
		}
		branch.Type = EventAsyncBranch
		branch.From = ip
		d.addEventTime(branch)
	}

	d.pos += size
	return nil
}

// headerFUP processes a FUP inside PSB+; it supplies the sync-point IP.
func (d *Decoder) headerFUP() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	if d.config.Errata.BDM70 && !d.enabled {
		hit, err := d.checkErratumBDM70(d.pos + size)
		if err != nil {
			return err
		}
		if hit {
			// The FUP is part of an incorrectly preceding PSB+;
			// ignore its IP.
			d.pos += size
			return nil
		}
	}

	if err := d.ip.update(pkt.IPC, pkt.IP); err != nil {
		return err
	}

	// Tracing is enabled if we have an IP in the header.
	if pkt.IPC != packet.IPSuppressed {
		d.enabled = true
	}

	d.pos += size
	return nil
}

// checkErratumBDM70 scans the packets following a PSB+ FUP for a TIP.PGE.
// If one follows, the PSB+ incorrectly precedes the enable and the caller
// ignores the FUP's IP. MODE.Exec packets in that PSB+ are still reported.
func (d *Decoder) checkErratumBDM70(off int) (bool, error) {
	scan, err := packet.NewDecoder(&d.config)
	if err != nil {
		return false, err
	}
	if err := scan.SyncSet(uint64(off)); err != nil {
		return false, err
	}

	for {
		pkt, err := scan.Next()
		if err != nil {
			// Running out of packets is not an error.
			if err == pt.ErrEOS {
				return false, nil
			}
			return false, err
		}

		switch pkt.Type {
		case packet.TypeTIPPGE:
			// We found it - the erratum applies.
			return true, nil

		case packet.TypePad, packet.TypeTSC, packet.TypeCBR,
			packet.TypePSBEnd, packet.TypePIP, packet.TypeMode:
			continue

		default:
			// All other packets cancel the search.
			return false, nil
		}
	}
}

func (d *Decoder) decodeTNT() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	if err := d.tnt.append(pkt.Payload, pkt.BitSize); err != nil {
		return err
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodeMode() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	switch pkt.Leaf {
	case packet.LeafExec:
		// MODE.Exec binds to TIP.
		ev := d.evq.enqueue(bindTIP)
		if ev == nil {
			return pt.ErrNoMem
		}
		ev.Type = EventExecMode
		ev.Mode = pkt.ExecMode()
		d.addEventTime(ev)

	case packet.LeafTSX:
		if err := d.decodeModeTSX(&pkt); err != nil {
			return err
		}

	default:
		return pt.ErrBadPacket
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodeModeTSX(pkt *packet.Packet) error {
	var ev *Event

	if !d.enabled {
		// MODE.TSX is standalone if tracing is disabled; there is no
		// IP in this case.
		ev = d.evq.standalone()
		ev.IPSuppressed = true

		d.event = ev
	} else {
		// MODE.TSX binds to FUP.
		ev = d.evq.enqueue(bindFUP)
		if ev == nil {
			return pt.ErrNoMem
		}
	}

	ev.Type = EventTSX
	ev.Speculative = pkt.InTX
	ev.Aborted = pkt.Abort
	d.addEventTime(ev)

	return nil
}

// headerMode processes a MODE inside PSB+; the event is reported at the end
// of the header.
func (d *Decoder) headerMode() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	ev := d.evq.enqueue(bindPSBEnd)
	if ev == nil {
		return pt.ErrNoMem
	}

	switch pkt.Leaf {
	case packet.LeafExec:
		ev.Type = EventExecMode
		ev.Mode = pkt.ExecMode()

	case packet.LeafTSX:
		ev.Type = EventTSX
		ev.Speculative = pkt.InTX
		ev.Aborted = pkt.Abort

	default:
		return pt.ErrBadPacket
	}

	d.pos += size
	return nil
}

func (d *Decoder) decodePIP() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	// Paging events are either standalone or bind to the same TIP packet
	// as an in-flight async branch event.
	if branch := d.evq.find(bindTIP, EventAsyncBranch); branch == nil {
		ev := d.evq.standalone()
		ev.Type = EventPaging
		ev.CR3 = pkt.CR3
		d.addEventTime(ev)

		d.event = ev
	} else {
		ev := d.evq.enqueue(bindTIP)
		if ev == nil {
			return pt.ErrNoMem
		}
		ev.Type = EventAsyncPaging
		ev.CR3 = pkt.CR3
		d.addEventTime(ev)
	}

	d.pos += size
	return nil
}

// headerPIP processes a PIP inside PSB+; the event is reported at the end of
// the header.
func (d *Decoder) headerPIP() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	ev := d.evq.enqueue(bindPSBEnd)
	if ev == nil {
		return pt.ErrNoMem
	}
	ev.Type = EventAsyncPaging
	ev.CR3 = pkt.CR3

	d.pos += size
	return nil
}

func (d *Decoder) decodeOVF() error {
	published, err := d.processPendingPSBEvents()
	if err != nil {
		return err
	}

	// If we had any pending psbend events, we're done for now.
	if published {
		return nil
	}

	// Reset the decoder state but preserve timing.
	time := d.time
	d.reset()
	d.time = time

	// We must consume the OVF before we search for the binding packet.
	_, size, err := d.readPacket()
	if err != nil {
		return err
	}
	d.pos += size

	// Overflow binds to FUP if it can be resolved while tracing is
	// enabled; only timing and pad packets may precede the FUP in that case.
	// Otherwise tracing has been disabled before the overflow resolved
	// and the event is standalone with a suppressed IP.
	if err := d.readAheadWhile(pdfTiming | pdfPad); err != nil {
		if err != pt.ErrEOS {
			return err
		}
		d.next = nil
	}

	if d.next != nil && d.next.flags&pdfFUP != 0 {
		ev := d.evq.enqueue(bindFUP)
		if ev == nil {
			return pt.ErrInternal
		}
		ev.Type = EventOverflow
		d.addEventTime(ev)

		// The reset disabled tracing; fix it.
		d.enabled = true
	} else {
		ev := d.evq.standalone()
		ev.Type = EventOverflow
		ev.IPSuppressed = true
		d.addEventTime(ev)

		d.event = ev
	}

	return nil
}

func (d *Decoder) decodeTSC() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	d.time.updateTSC(pkt.TSC)

	d.pos += size
	return nil
}

func (d *Decoder) decodeCBR() error {
	pkt, size, err := d.readPacket()
	if err != nil {
		return err
	}

	d.time.updateCBR(pkt.Ratio)

	d.pos += size
	return nil
}
