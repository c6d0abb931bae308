package query

import (
	"intelpt/packet"
	"intelpt/pt"
)

// Decoder is the Intel PT query decoder. It consumes the packet stream and
// answers conditional-branch and indirect-branch queries while reporting the
// events found in between.
//
// The decoder always looks one packet ahead: the status flags returned by
// every operation reflect what the next packet implies. It needs to be
// synchronized onto a PSB before it can be used.
type Decoder struct {
	// Log receives decode diagnostics; it defaults to the no-op logger.
	Log pt.Logger

	config pt.Config

	pos    int
	sync   int
	synced bool

	// next describes the packet the decoder is about to dispatch.
	next *decoderFunc

	ip   lastIP
	tnt  tntCache
	evq  eventQueue
	time timeTracker

	enabled       bool
	consumePacket bool

	// event is the most recently published event.
	event *Event
}

// NewDecoder creates a query decoder on the given configuration. The decoder
// borrows the configuration's buffer for its lifetime.
func NewDecoder(config *pt.Config) (*Decoder, error) {
	if config == nil {
		return nil, pt.ErrInvalid
	}

	return &Decoder{
		Log:    pt.NewNoOpLogger(),
		config: *config,
	}, nil
}

// Config returns the decoder's configuration.
func (d *Decoder) Config() *pt.Config {
	return &d.config
}

// reset clears the decoder's stream state. Position and synchronization are
// left alone; overflow processing resets mid-stream.
func (d *Decoder) reset() {
	d.next = nil
	d.enabled = false
	d.consumePacket = false
	d.event = nil

	d.ip.init()
	d.tnt.init()
	d.evq.init()
	d.time.init()
}

// willEvent reports whether dispatching the next packet will publish an
// event.
func (d *Decoder) willEvent() bool {
	df := d.next
	if df == nil {
		return false
	}

	if df.flags&pdfEvent != 0 {
		return true
	}
	if df.flags&pdfPSBEnd != 0 {
		return d.evq.pending(bindPSBEnd)
	}
	if df.flags&pdfTIP != 0 {
		return d.evq.pending(bindTIP)
	}
	if df.flags&pdfFUP != 0 {
		return d.evq.pending(bindFUP)
	}

	return false
}

// willEOS reports whether the decoder ran out of trace.
func (d *Decoder) willEOS() bool {
	if d.next != nil {
		return false
	}

	// The lookahead may be empty because of a fetch error rather than
	// the end of the stream; refetch to tell the two apart.
	_, err := packet.Peek(d.config.Buffer[d.pos:])
	return err == pt.ErrEOS
}

// statusFlags computes the status bit-vector for the current lookahead.
//
// Upcoming events and the end of the stream are not indicated until the
// user has consumed the cached TNT bits: they must navigate to the correct
// code region before interpreting any subsequent packets.
func (d *Decoder) statusFlags() pt.Status {
	var flags pt.Status

	if d.tnt.isEmpty() {
		if d.willEvent() {
			flags |= pt.StatusEventPending
		}
		if d.willEOS() {
			flags |= pt.StatusEOS
		}
	}

	return flags
}

// readAhead advances the decoder to the next query-relevant packet: a
// branching packet or one that will publish an event.
func (d *Decoder) readAhead() error {
	for {
		if err := d.fetch(); err != nil {
			return err
		}

		df := d.next
		if df.decode == nil {
			return pt.ErrInternal
		}

		if df.flags&(pdfTIP|pdfTNT) != 0 {
			return nil
		}

		if d.willEvent() {
			return nil
		}

		// Decode status update packets.
		if err := df.decode(d); err != nil {
			return err
		}
	}
}

// readAheadWhile decodes packets as long as their flags match the given
// mask.
func (d *Decoder) readAheadWhile(flags decodeFlag) error {
	for {
		if err := d.fetch(); err != nil {
			return err
		}

		df := d.next
		if df.decode == nil {
			return pt.ErrBadContext
		}

		if df.flags&flags == 0 {
			return nil
		}

		if err := df.decode(d); err != nil {
			return err
		}
	}
}

// provokeFetchError reproduces the error that emptied the lookahead. An
// exhausted stream means there is no packet matching the query.
func (d *Decoder) provokeFetchError() error {
	err := d.fetch()
	if err == pt.ErrEOS {
		return pt.ErrBadQuery
	}
	if err != nil {
		return err
	}

	// We must get some error or something's wrong.
	return pt.ErrInternal
}

// start initializes the decoder at the PSB at syncpos and returns the
// sync-point IP.
func (d *Decoder) start(syncpos int) (uint64, pt.Status, error) {
	d.reset()

	d.pos = syncpos
	d.sync = syncpos
	d.synced = true

	if err := d.fetch(); err != nil {
		return 0, 0, err
	}

	// We do need to start at a PSB in order to initialize the state.
	if d.next != dfPSB {
		return 0, 0, pt.ErrNoSync
	}

	if err := d.next.decode(d); err != nil {
		return 0, 0, err
	}

	// Grab the start address before reading ahead; an adjacent PSB+ could
	// change the decoder's IP and cause us to skip code.
	addr, aerr := d.ip.query()

	// Read ahead until the first query-relevant packet. Errors are
	// diagnosed on the first query.
	_ = d.readAhead()

	status := d.statusFlags()
	if aerr != nil {
		addr = 0
		status |= pt.StatusIPSuppressed
	}

	d.Log.Logf(pt.SeverityDebug, "synchronized at offset %d, ip=0x%x", syncpos, addr)

	return addr, status, nil
}

// SyncForward searches for the next synchronization point in forward
// direction and initializes the decoder there. It returns the IP at the
// sync point; the IP is not valid if the returned status has
// StatusIPSuppressed set.
//
// If the decoder has not been synchronized yet, the search starts at the
// beginning of the trace buffer.
func (d *Decoder) SyncForward() (uint64, pt.Status, error) {
	pos := d.pos
	if d.synced && pos == d.sync {
		// We are sitting on the previous sync point; skip it.
		pos += (&packet.Packet{Type: packet.TypePSB}).Size()
	}

	sync, err := packet.SyncForward(d.config.Buffer, pos)
	if err != nil {
		return 0, 0, err
	}

	return d.start(sync)
}

// SyncBackward searches for the next synchronization point in backward
// direction and initializes the decoder there.
//
// If the decoder has not been synchronized yet, the search starts at the
// end of the trace buffer.
func (d *Decoder) SyncBackward() (uint64, pt.Status, error) {
	pos := len(d.config.Buffer)
	if d.synced {
		pos = d.sync
	}

	sync, err := packet.SyncBackward(d.config.Buffer, pos)
	if err != nil {
		return 0, 0, err
	}

	return d.start(sync)
}

// SyncSet initializes the decoder on the synchronization point at offset.
// There must be a PSB packet at offset.
func (d *Decoder) SyncSet(offset uint64) (uint64, pt.Status, error) {
	if offset > uint64(len(d.config.Buffer)) {
		return 0, 0, pt.ErrInvalid
	}
	if !packet.IsPSB(d.config.Buffer, int(offset)) {
		return 0, 0, pt.ErrNoSync
	}

	return d.start(int(offset))
}

// Offset returns the current decoder position in the trace buffer.
func (d *Decoder) Offset() (uint64, error) {
	if !d.synced {
		return 0, pt.ErrNoSync
	}
	return uint64(d.pos), nil
}

// SyncOffset returns the position of the last synchronization point. This is
// useful for splitting a trace stream for parallel decoding.
func (d *Decoder) SyncOffset() (uint64, error) {
	if !d.synced {
		return 0, pt.ErrNoSync
	}
	return uint64(d.sync), nil
}

// cacheTNT advances through the packet stream until a TNT packet refills the
// cache. A packet inconsistent with a conditional-branch query fails the
// query.
func (d *Decoder) cacheTNT() error {
	for {
		df := d.next
		if df == nil {
			return d.provokeFetchError()
		}
		if df.decode == nil {
			return pt.ErrInternal
		}

		// There's an event ahead of us.
		if d.willEvent() {
			return pt.ErrBadQuery
		}

		// Diagnose a TIP that has not been part of an event.
		if df.flags&pdfTIP != 0 {
			return pt.ErrBadQuery
		}

		// Clear the published event so we notice when we accidentally
		// skip one.
		d.event = nil

		if err := df.decode(d); err != nil {
			return err
		}

		if d.event != nil {
			return pt.ErrNoSync
		}

		if df.flags&pdfTNT != 0 {
			break
		}

		if err := d.readAhead(); err != nil {
			if err == pt.ErrEOS {
				return pt.ErrBadQuery
			}
			return err
		}
	}

	// Read ahead until the next query-relevant packet.
	_ = d.readAhead()

	return nil
}

// CondBranch returns whether the next conditional branch was taken.
func (d *Decoder) CondBranch() (bool, pt.Status, error) {
	if !d.synced {
		return false, 0, pt.ErrNoSync
	}

	if d.tnt.isEmpty() {
		if err := d.cacheTNT(); err != nil {
			return false, 0, err
		}
	}

	taken, err := d.tnt.pop()
	if err != nil {
		return false, 0, err
	}

	return taken, d.statusFlags(), nil
}

// PendingTNT returns the number of buffered conditional-branch outcomes.
func (d *Decoder) PendingTNT() int {
	return d.tnt.count()
}

// IndirectBranch returns the destination of the next indirect branch. The
// address is not valid if the returned status has StatusIPSuppressed set.
func (d *Decoder) IndirectBranch() (uint64, pt.Status, error) {
	if !d.synced {
		return 0, 0, pt.ErrNoSync
	}

	var flags pt.Status
	var addr uint64

	for {
		df := d.next
		if df == nil {
			return 0, 0, d.provokeFetchError()
		}
		if df.decode == nil {
			return 0, 0, pt.ErrInternal
		}

		// There's an event ahead of us.
		if d.willEvent() {
			return 0, 0, pt.ErrBadQuery
		}

		// A TNT while the cache is not empty means our user got out of
		// sync; report no data and hope they are able to re-sync.
		if df.flags&pdfTNT != 0 && !d.tnt.isEmpty() {
			return 0, 0, pt.ErrBadQuery
		}

		d.event = nil

		if err := df.decode(d); err != nil {
			return 0, 0, err
		}

		if d.event != nil {
			return 0, 0, pt.ErrNoSync
		}

		// We're done when we found a TIP packet that isn't part of an
		// event. The branch destination is already in the last-IP
		// register.
		if df.flags&pdfTIP != 0 {
			ip, err := d.ip.query()
			if err != nil {
				flags |= pt.StatusIPSuppressed
			} else {
				addr = ip
			}
			break
		}

		if err := d.readAhead(); err != nil {
			if err == pt.ErrEOS {
				return 0, 0, pt.ErrBadQuery
			}
			return 0, 0, err
		}
	}

	// Read ahead until the next query-relevant packet.
	_ = d.readAhead()

	flags |= d.statusFlags()

	return addr, flags, nil
}

// Event returns the next pending event, advancing the stream to materialize
// one if necessary.
func (d *Decoder) Event() (Event, pt.Status, error) {
	if !d.synced {
		return Event{}, 0, pt.ErrNoSync
	}

	// We do not allow querying for events while there are still TNT bits
	// to consume.
	if !d.tnt.isEmpty() {
		return Event{}, 0, pt.ErrBadQuery
	}

	var ev Event

	for {
		df := d.next
		if df == nil {
			return Event{}, 0, d.provokeFetchError()
		}
		if df.decode == nil {
			return Event{}, 0, pt.ErrInternal
		}

		// We must not see a TIP or TNT packet unless it belongs to an
		// event.
		if df.flags&(pdfTIP|pdfTNT) != 0 && !d.willEvent() {
			return Event{}, 0, pt.ErrBadQuery
		}

		d.event = nil

		if err := df.decode(d); err != nil {
			return Event{}, 0, err
		}

		// Some packets result in events in some but not all
		// configurations.
		if d.event != nil {
			ev = *d.event
			break
		}

		if err := d.readAhead(); err != nil {
			if err == pt.ErrEOS {
				return Event{}, 0, pt.ErrBadQuery
			}
			return Event{}, 0, err
		}
	}

	// Read ahead until the next query-relevant packet.
	_ = d.readAhead()

	return ev, d.statusFlags(), nil
}

// Status returns the current status bit-vector without advancing the
// decoder.
func (d *Decoder) Status() (pt.Status, error) {
	if !d.synced {
		return 0, pt.ErrNoSync
	}
	return d.statusFlags(), nil
}

// Time returns the last timestamp. Since the decoder reads ahead until the
// next branch or event, the value matches the time for that branch or event.
func (d *Decoder) Time() (uint64, error) {
	return d.time.queryTSC()
}

// CoreBusRatio returns the last core:bus ratio, defined as core cycles per
// bus clock cycle.
func (d *Decoder) CoreBusRatio() (uint32, error) {
	return d.time.queryCBR()
}
