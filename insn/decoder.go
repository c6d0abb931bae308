package insn

import (
	"intelpt/image"
	"intelpt/pt"
	"intelpt/query"
)

// Decoder is the Intel PT instruction flow decoder. It drives a query
// decoder and a traced memory image to reconstruct the executed instructions
// in order, attaching events to the correct instruction boundaries.
//
// The decoder needs to be synchronized onto the trace before instructions
// can be read.
type Decoder struct {
	// Log receives decode diagnostics; it defaults to the no-op logger.
	Log pt.Logger

	query      *query.Decoder
	classifier Classifier

	defaultImage *image.Image
	image        *image.Image

	asid image.ASID
	mode pt.ExecMode
	ip   uint64

	synced  bool
	enabled bool

	// status is the query decoder's status after the most recent query.
	status pt.Status

	// ev is an event that has been materialized but binds to a later
	// instruction boundary.
	ev        query.Event
	haveEvent bool

	speculative bool

	lastDisabledIP  uint64
	haveDisabledIP  bool
	pendingEnabled  bool
	pendingResumed  bool
	pendingResynced bool

	retstack retStack

	// calledCR3 is the last CR3 for which the new-CR3 callback fired.
	calledCR3 uint64
}

// NewDecoder creates an instruction flow decoder on the given configuration.
// It uses its own empty default image and the x86 classifier until other
// ones are installed.
func NewDecoder(config *pt.Config) (*Decoder, error) {
	q, err := query.NewDecoder(config)
	if err != nil {
		return nil, err
	}

	img := image.NewImage("default")
	return &Decoder{
		Log:          pt.NewNoOpLogger(),
		query:        q,
		classifier:   X86Classifier{},
		defaultImage: img,
		image:        img,
		asid:         image.UnknownASID(),
		mode:         pt.ExecModeUnknown,
		calledCR3:    image.NoCR3,
	}, nil
}

// Config returns the decoder's configuration.
func (d *Decoder) Config() *pt.Config {
	return d.query.Config()
}

// Image returns the traced image the decoder reads memory from. The image
// may be modified as long as no decoder using it is running.
func (d *Decoder) Image() *image.Image {
	return d.image
}

// SetImage sets the traced image. A nil image selects the decoder's default
// image. The image may only be swapped while the decoder is idle.
func (d *Decoder) SetImage(img *image.Image) {
	if img == nil {
		img = d.defaultImage
	}
	d.image = img
}

// SetClassifier replaces the instruction classifier.
func (d *Decoder) SetClassifier(c Classifier) error {
	if c == nil {
		return pt.ErrInvalid
	}
	d.classifier = c
	return nil
}

// CR3 returns the current address-space identifier.
func (d *Decoder) CR3() (uint64, error) {
	if !d.synced {
		return 0, pt.ErrNoSync
	}
	return d.asid.CR3, nil
}

// Time returns the current timestamp; see the query decoder.
func (d *Decoder) Time() (uint64, error) {
	return d.query.Time()
}

// CoreBusRatio returns the current core:bus ratio; see the query decoder.
func (d *Decoder) CoreBusRatio() (uint32, error) {
	return d.query.CoreBusRatio()
}

// Offset returns the current position in the trace buffer.
func (d *Decoder) Offset() (uint64, error) {
	return d.query.Offset()
}

// SyncOffset returns the position of the last synchronization point.
func (d *Decoder) SyncOffset() (uint64, error) {
	return d.query.SyncOffset()
}

func (d *Decoder) resetFlow() {
	d.asid = image.UnknownASID()
	d.mode = pt.ExecModeUnknown
	d.ip = 0
	d.enabled = false
	d.haveEvent = false
	d.speculative = false
	d.haveDisabledIP = false
	d.pendingEnabled = false
	d.pendingResumed = false
	d.pendingResynced = false
	d.retstack.clear()
	d.calledCR3 = image.NoCR3
}

func (d *Decoder) startAt(ip uint64, status pt.Status) {
	d.resetFlow()
	d.status = status
	d.synced = true

	if status&pt.StatusIPSuppressed == 0 {
		d.ip = ip
		d.enabled = true
	}
}

// SyncForward searches for the next synchronization point in forward
// direction and initializes the decoder there.
func (d *Decoder) SyncForward() error {
	ip, status, err := d.query.SyncForward()
	if err != nil {
		return err
	}

	d.startAt(ip, status)
	return nil
}

// SyncBackward searches for the next synchronization point in backward
// direction and initializes the decoder there.
func (d *Decoder) SyncBackward() error {
	ip, status, err := d.query.SyncBackward()
	if err != nil {
		return err
	}

	d.startAt(ip, status)
	return nil
}

// SyncSet initializes the decoder on the synchronization point at offset.
// There must be a PSB packet at offset.
func (d *Decoder) SyncSet(offset uint64) error {
	ip, status, err := d.query.SyncSet(offset)
	if err != nil {
		return err
	}

	d.startAt(ip, status)
	return nil
}

// fetchEvent returns the held event, if any, or materializes the next one.
func (d *Decoder) fetchEvent() (query.Event, error) {
	if d.haveEvent {
		d.haveEvent = false
		return d.ev, nil
	}

	ev, status, err := d.query.Event()
	if err != nil {
		return query.Event{}, err
	}
	d.status = status
	return ev, nil
}

// peekEvent makes sure the next materialized event is held in d.ev.
func (d *Decoder) peekEvent() (bool, error) {
	if d.haveEvent {
		return true, nil
	}
	if d.status&pt.StatusEventPending == 0 {
		return false, nil
	}

	ev, status, err := d.query.Event()
	if err != nil {
		return false, err
	}
	d.status = status
	d.ev = ev
	d.haveEvent = true
	return true, nil
}

// drainStatusEvents applies pending status-update events; they describe
// decoder state at the synchronization point and precede any instruction.
func (d *Decoder) drainStatusEvents() error {
	for {
		ok, err := d.peekEvent()
		if err != nil {
			return err
		}
		if !ok || !d.ev.StatusUpdate {
			return nil
		}
		d.haveEvent = false

		switch d.ev.Type {
		case query.EventExecMode:
			d.mode = d.ev.Mode
		case query.EventPaging, query.EventAsyncPaging:
			d.setCR3(d.ev.CR3)
		case query.EventTSX:
			d.speculative = d.ev.Speculative
		}
	}
}

// applyEventWhileDisabled consumes events while tracing is disabled; the
// next enabling event defines the IP at which decoding resumes.
func (d *Decoder) applyEventWhileDisabled(ev *query.Event) {
	switch ev.Type {
	case query.EventEnabled:
		d.enabled = true
		d.ip = ev.IP
		d.pendingEnabled = true
		if d.haveDisabledIP && ev.IP == d.lastDisabledIP {
			d.pendingResumed = true
		}
		d.haveDisabledIP = false

	case query.EventAsyncBranch:
		// Resume via an asynchronous branch.
		if !ev.IPSuppressed {
			d.enabled = true
			d.ip = ev.To
			d.pendingEnabled = true
			d.haveDisabledIP = false
		}

	case query.EventOverflow:
		if !ev.IPSuppressed {
			d.enabled = true
			d.ip = ev.IP
			d.pendingResynced = true
		}
		d.retstack.clear()

	case query.EventExecMode:
		d.mode = ev.Mode

	case query.EventPaging, query.EventAsyncPaging:
		d.setCR3(ev.CR3)

	case query.EventTSX:
		d.speculative = ev.Speculative

	case query.EventDisabled, query.EventAsyncDisabled:
		// Already disabled.
	}
}

// Next provides the next instruction in execution order.
//
// The returned status has pt.StatusEOS set on the last instruction of the
// trace; a subsequent call fails with pt.ErrEOS.
func (d *Decoder) Next() (Insn, pt.Status, error) {
	var insn Insn

	if !d.synced {
		return insn, 0, pt.ErrNoSync
	}

	if err := d.drainStatusEvents(); err != nil {
		return insn, 0, err
	}

	// While tracing is disabled, events define where decoding resumes.
	for !d.enabled {
		ev, err := d.fetchEvent()
		if err != nil {
			if err == pt.ErrBadQuery || err == pt.ErrEOS {
				return insn, 0, pt.ErrEOS
			}
			return insn, 0, err
		}
		d.applyEventWhileDisabled(&ev)
	}

	// The trace ended and nothing is pending. An instruction that just
	// re-enabled tracing is still emitted.
	if d.status&pt.StatusEOS != 0 && !d.haveEvent &&
		!d.pendingEnabled && !d.pendingResynced {
		return insn, 0, pt.ErrEOS
	}

	insn.IP = d.ip
	insn.Mode = d.mode
	insn.Speculative = d.speculative
	insn.Enabled = d.pendingEnabled
	insn.Resumed = d.pendingResumed
	insn.Resynced = d.pendingResynced

	var raw [MaxInsnSize]byte
	n, err := d.readMemory(raw[:], d.ip)
	if err != nil {
		return insn, 0, err
	}

	cls, err := d.classifier.Classify(raw[:n], d.mode, d.ip)
	if err != nil {
		return insn, 0, err
	}
	if cls.Size <= 0 || cls.Size > MaxInsnSize || cls.Size > n {
		return insn, 0, pt.ErrBadInsn
	}

	insn.Class = cls.Class
	insn.Size = uint8(cls.Size)
	copy(insn.Raw[:], raw[:cls.Size])

	if err := d.advance(&insn, &cls); err != nil {
		return insn, 0, err
	}

	if err := d.drainEvents(&insn); err != nil {
		return insn, 0, err
	}

	d.pendingEnabled = false
	d.pendingResumed = false
	d.pendingResynced = false

	return insn, d.status, nil
}

// readMemory reads the instruction bytes at ip, invoking the image's
// new-CR3 callback once per freshly observed CR3 before giving up.
func (d *Decoder) readMemory(buf []byte, ip uint64) (int, error) {
	n, err := d.image.Read(buf, d.asid, ip)
	if err == pt.ErrNoMap && d.asid.CR3 != image.NoCR3 && d.asid.CR3 != d.calledCR3 {
		d.calledCR3 = d.asid.CR3
		if cberr := d.image.CallNewCR3(d.asid.CR3, ip); cberr == nil {
			n, err = d.image.Read(buf, d.asid, ip)
		}
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// advance moves the decoder's IP beyond the instruction, consulting the
// query decoder where the instruction's destination is not statically known.
func (d *Decoder) advance(insn *Insn, cls *Classification) error {
	fallthroughIP := d.ip + uint64(cls.Size)

	switch cls.Class {
	case ClassOther, ClassError:
		d.ip = fallthroughIP

	case ClassCondJump:
		taken, status, err := d.query.CondBranch()
		if err != nil {
			return err
		}
		d.status = status

		if taken {
			if !cls.HasTarget {
				return pt.ErrBadInsn
			}
			d.ip = cls.Target
		} else {
			d.ip = fallthroughIP
		}

	case ClassCall:
		d.retstack.push(fallthroughIP)
		if cls.HasTarget {
			d.ip = cls.Target
			return nil
		}
		return d.indirect(insn)

	case ClassJump:
		if cls.HasTarget {
			d.ip = cls.Target
			return nil
		}
		return d.indirect(insn)

	case ClassReturn:
		// A compressed return is encoded as a taken conditional
		// branch; leftover TNT bits at a return imply compression.
		if d.query.PendingTNT() > 0 && !d.retstack.isEmpty() {
			taken, status, err := d.query.CondBranch()
			if err != nil {
				return err
			}
			d.status = status

			if !taken {
				return pt.ErrBadPacket
			}
			ip, _ := d.retstack.pop()
			d.ip = ip
			return nil
		}
		return d.indirect(insn)

	case ClassFarCall, ClassFarReturn, ClassFarJump:
		return d.indirect(insn)

	default:
		return pt.ErrBadInsn
	}

	return nil
}

// indirect resolves an indirect branch destination from the trace.
func (d *Decoder) indirect(insn *Insn) error {
	ip, status, err := d.query.IndirectBranch()
	if err != nil {
		return err
	}
	d.status = status

	if status&pt.StatusIPSuppressed != 0 {
		// The branch entered a filtered region; tracing stops here.
		d.enabled = false
		d.haveDisabledIP = false
		insn.Disabled = true
		return nil
	}

	d.ip = ip
	return nil
}

// eventApplies reports whether the held event binds to the boundary right
// after the just-completed instruction.
func (d *Decoder) eventApplies(ev *query.Event) bool {
	if ev.StatusUpdate || ev.IPSuppressed {
		return true
	}

	switch ev.Type {
	case query.EventAsyncBranch:
		return ev.From == d.ip

	case query.EventAsyncDisabled:
		return ev.At == d.ip

	case query.EventAsyncPaging, query.EventExecMode:
		return ev.IP == d.ip

	case query.EventTSX:
		if ev.Aborted && d.query.Config().Errata.BDM64 {
			// The IP logged with the abort may be incorrect; apply
			// the event here and ignore it.
			return true
		}
		return ev.IP == d.ip

	case query.EventEnabled:
		// Handled while disabled.
		return false

	default:
		return true
	}
}

// drainEvents applies the events bound to the just-completed instruction in
// materialization order.
func (d *Decoder) drainEvents(insn *Insn) error {
	for {
		ok, err := d.peekEvent()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		ev := d.ev
		if !d.eventApplies(&ev) {
			return nil
		}
		d.haveEvent = false

		if err := d.applyEvent(insn, &ev); err != nil {
			return err
		}

		if !d.enabled {
			// Resumption is decided on the next call.
			return nil
		}
	}
}

func (d *Decoder) applyEvent(insn *Insn, ev *query.Event) error {
	switch ev.Type {
	case query.EventDisabled:
		insn.Disabled = true
		d.enabled = false
		d.lastDisabledIP = d.ip
		d.haveDisabledIP = true

	case query.EventAsyncDisabled:
		insn.Disabled = true
		d.enabled = false
		d.lastDisabledIP = ev.At
		d.haveDisabledIP = true

	case query.EventAsyncBranch:
		insn.Interrupted = true
		if ev.IPSuppressed {
			d.enabled = false
			d.haveDisabledIP = false
		} else {
			d.ip = ev.To
		}

	case query.EventOverflow:
		d.retstack.clear()
		if ev.IPSuppressed {
			d.enabled = false
			d.haveDisabledIP = false
		} else {
			d.ip = ev.IP
			d.pendingResynced = true
		}

	case query.EventPaging, query.EventAsyncPaging:
		d.setCR3(ev.CR3)

	case query.EventExecMode:
		d.mode = ev.Mode

	case query.EventTSX:
		if ev.Aborted {
			insn.Aborted = true
		} else if d.speculative && !ev.Speculative {
			insn.Committed = true
		}
		d.speculative = ev.Speculative

	case query.EventEnabled:
		return pt.ErrBadContext
	}

	return nil
}

func (d *Decoder) setCR3(cr3 uint64) {
	if d.asid.CR3 != cr3 {
		d.Log.Logf(pt.SeverityDebug, "address space changed to cr3=0x%x", cr3)
		d.asid.CR3 = cr3
	}
}
