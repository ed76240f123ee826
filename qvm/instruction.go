package qvm

import "fmt"

// Instruction is one decoded VM instruction. Operand is ignored for opcodes
// without an immediate; ARG keeps only the low byte on disk.
type Instruction struct {
	Op      Opcode
	Operand uint32
}

// Ins builds an instruction. It is shorthand used by code generators.
func Ins(op Opcode, operand ...uint32) Instruction {
	in := Instruction{Op: op}
	if len(operand) > 0 {
		in.Operand = operand[0]
	}
	return in
}

// Size returns the encoded size in bytes.
func (in Instruction) Size() int {
	return 1 + in.Op.OperandSize()
}

// Validate checks that the operand fits the opcode's immediate width.
func (in Instruction) Validate() error {
	if !in.Op.Valid() {
		return fmt.Errorf("%w: %d", ErrBadOpcode, byte(in.Op))
	}
	switch in.Op.OperandSize() {
	case 0:
		if in.Operand != 0 {
			return fmt.Errorf("%s does not take an operand", in.Op)
		}
	case 1:
		if in.Operand > 0xff {
			return fmt.Errorf("%w: %s operand %#x does not fit in one byte",
				ErrSegmentOverflow, in.Op, in.Operand)
		}
	}
	return nil
}

func (in Instruction) String() string {
	if !in.Op.HasOperand() {
		return in.Op.String()
	}
	return fmt.Sprintf("%s %#x", in.Op, in.Operand)
}

// IsCallTo reports whether code[i] and code[i+1] form a direct call
// (CONST target; CALL) and returns the target.
func IsCallTo(code []Instruction, i int) (uint32, bool) {
	if i < 0 || i+1 >= len(code) {
		return 0, false
	}
	if code[i].Op != OpConst || code[i+1].Op != OpCall {
		return 0, false
	}
	return code[i].Operand, true
}
