package insn

import (
	"golang.org/x/arch/x86/x86asm"

	"intelpt/pt"
)

// X86Classifier classifies x86 instructions using the x86asm decoder.
type X86Classifier struct{}

// Classify decodes the instruction at ip from code and classifies it for
// flow reconstruction.
func (X86Classifier) Classify(code []byte, mode pt.ExecMode, ip uint64) (Classification, error) {
	bits := mode.Bits()
	if bits == 0 {
		return Classification{}, pt.ErrBadInsn
	}

	inst, err := x86asm.Decode(code, bits)
	if err != nil || inst.Op == 0 {
		// x86asm reports a truncated or unintelligible byte sequence
		// as a prefix-only instruction without an opcode.
		return Classification{}, pt.ErrBadInsn
	}

	cls := Classification{
		Size:  inst.Len,
		Class: classify(inst.Op),
	}

	// Direct branches encode their destination relative to the next
	// instruction.
	if cls.Class == ClassCall || cls.Class == ClassJump || cls.Class == ClassCondJump {
		if rel, ok := relTarget(&inst); ok {
			cls.Target = ip + uint64(inst.Len) + rel
			cls.HasTarget = true
		}
	}

	return cls, nil
}

func relTarget(inst *x86asm.Inst) (uint64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return uint64(int64(rel)), true
		}
	}
	return 0, false
}

func classify(op x86asm.Op) Class {
	switch op {
	case x86asm.CALL:
		return ClassCall

	case x86asm.RET:
		return ClassReturn

	case x86asm.JMP:
		return ClassJump

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return ClassCondJump

	case x86asm.LCALL, x86asm.SYSCALL, x86asm.SYSENTER,
		x86asm.INT, x86asm.INTO:
		return ClassFarCall

	case x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.SYSRET, x86asm.SYSEXIT:
		return ClassFarReturn

	case x86asm.LJMP:
		return ClassFarJump

	default:
		return ClassOther
	}
}
