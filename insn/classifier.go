package insn

import (
	"intelpt/pt"
)

// Classification describes an instruction to the extent the flow decoder
// needs: its length, its coarse class, and the statically known branch
// destination for direct branches.
type Classification struct {
	// Size is the instruction length in bytes.
	Size int

	// Class is the coarse classification.
	Class Class

	// Target is the destination if the instruction branches and the
	// destination is statically known.
	Target uint64

	// HasTarget indicates Target is valid.
	HasTarget bool
}

// Classifier decodes and classifies the raw instruction bytes at a given
// address and execution mode.
//
// Implementations return pt.ErrBadInsn if the bytes do not form a known
// instruction.
type Classifier interface {
	Classify(code []byte, mode pt.ExecMode, ip uint64) (Classification, error)
}

var _ Classifier = X86Classifier{}
