package insn

import (
	"fmt"

	"intelpt/pt"
)

// Class is a coarse instruction classification, just enough to reconstruct
// the execution flow.
type Class int

const (
	// ClassError indicates the instruction could not be classified.
	ClassError Class = iota

	// ClassOther is anything not listed below.
	ClassOther

	// ClassCall is a near (function) call.
	ClassCall

	// ClassReturn is a near (function) return.
	ClassReturn

	// ClassJump is a near unconditional jump.
	ClassJump

	// ClassCondJump is a near conditional jump.
	ClassCondJump

	// ClassFarCall is a call-like far transfer, e.g. SYSCALL, SYSENTER,
	// or FAR CALL.
	ClassFarCall

	// ClassFarReturn is a return-like far transfer, e.g. SYSRET,
	// SYSEXIT, IRET, or FAR RET.
	ClassFarReturn

	// ClassFarJump is a jump-like far transfer, e.g. FAR JMP.
	ClassFarJump
)

func (c Class) String() string {
	switch c {
	case ClassError:
		return "error"
	case ClassOther:
		return "other"
	case ClassCall:
		return "call"
	case ClassReturn:
		return "return"
	case ClassJump:
		return "jump"
	case ClassCondJump:
		return "cond jump"
	case ClassFarCall:
		return "far call"
	case ClassFarReturn:
		return "far return"
	case ClassFarJump:
		return "far jump"
	default:
		return "invalid"
	}
}

// MaxInsnSize is the maximal size of an instruction in bytes.
const MaxInsnSize = 15

// Insn is a single traced instruction.
type Insn struct {
	// IP is the virtual address in its process.
	IP uint64

	// Class is the coarse classification.
	Class Class

	// Mode is the execution mode.
	Mode pt.ExecMode

	// Raw holds the instruction bytes; only the first Size are valid.
	Raw [MaxInsnSize]byte

	// Size is the instruction size in bytes.
	Size uint8

	// Speculative indicates the instruction was executed speculatively.
	Speculative bool

	// Aborted indicates speculative execution was aborted after this
	// instruction.
	Aborted bool

	// Committed indicates speculative execution was committed after this
	// instruction.
	Committed bool

	// Disabled indicates tracing was disabled after this instruction.
	Disabled bool

	// Enabled indicates tracing was enabled at this instruction.
	Enabled bool

	// Resumed indicates tracing was enabled at this instruction and
	// continues from the IP at which it had been disabled.
	Resumed bool

	// Interrupted indicates normal execution flow was interrupted after
	// this instruction.
	Interrupted bool

	// Resynced indicates tracing resumed at this instruction after an
	// overflow.
	Resynced bool
}

func (i *Insn) String() string {
	return fmt.Sprintf("0x%x: %s (%d bytes, %s)", i.IP, i.Class, i.Size, i.Mode)
}
