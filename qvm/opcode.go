package qvm

import "fmt"

// Opcode is a Quake 3 VM instruction opcode.
// Values match the on-disk encoding, so the zero value is OpUndef.
type Opcode byte

const (
	// ========================================================================
	// Control (0-10)
	// ========================================================================

	OpUndef  Opcode = 0
	OpIgnore Opcode = 1
	OpBreak  Opcode = 2
	OpEnter  Opcode = 3  // ENTER <frame:u32>
	OpLeave  Opcode = 4  // LEAVE <frame:u32>
	OpCall   Opcode = 5  // pops the target; negative targets are syscalls
	OpPush   Opcode = 6
	OpPop    Opcode = 7
	OpConst  Opcode = 8  // CONST <value:u32>
	OpLocal  Opcode = 9  // LOCAL <frameOffset:u32>
	OpJump   Opcode = 10 // pops the target instruction index

	// ========================================================================
	// Conditional branches (11-26): <target:u32>
	// ========================================================================

	OpEq  Opcode = 11
	OpNe  Opcode = 12
	OpLti Opcode = 13
	OpLei Opcode = 14
	OpGti Opcode = 15
	OpGei Opcode = 16
	OpLtu Opcode = 17
	OpLeu Opcode = 18
	OpGtu Opcode = 19
	OpGeu Opcode = 20
	OpEqf Opcode = 21
	OpNef Opcode = 22
	OpLtf Opcode = 23
	OpLef Opcode = 24
	OpGtf Opcode = 25
	OpGef Opcode = 26

	// ========================================================================
	// Memory (27-34)
	// ========================================================================

	OpLoad1     Opcode = 27
	OpLoad2     Opcode = 28
	OpLoad4     Opcode = 29
	OpStore1    Opcode = 30
	OpStore2    Opcode = 31
	OpStore4    Opcode = 32
	OpArg       Opcode = 33 // ARG <offset:u8>
	OpBlockCopy Opcode = 34 // BLOCK_COPY <size:u32>

	// ========================================================================
	// Integer arithmetic (35-52)
	// ========================================================================

	OpSex8  Opcode = 35
	OpSex16 Opcode = 36
	OpNegi  Opcode = 37
	OpAdd   Opcode = 38
	OpSub   Opcode = 39
	OpDivi  Opcode = 40
	OpDivu  Opcode = 41
	OpModi  Opcode = 42
	OpModu  Opcode = 43
	OpMuli  Opcode = 44
	OpMulu  Opcode = 45
	OpBand  Opcode = 46
	OpBor   Opcode = 47
	OpBxor  Opcode = 48
	OpBcom  Opcode = 49
	OpLsh   Opcode = 50
	OpRshi  Opcode = 51
	OpRshu  Opcode = 52

	// ========================================================================
	// Float arithmetic and conversion (53-59)
	// ========================================================================

	OpNegf Opcode = 53
	OpAddf Opcode = 54
	OpSubf Opcode = 55
	OpDivf Opcode = 56
	OpMulf Opcode = 57
	OpCvif Opcode = 58
	OpCvfi Opcode = 59
)

// OpcodeCount is the number of defined opcodes. Any byte >= OpcodeCount is invalid.
const OpcodeCount = 60

var opcodeNames = [OpcodeCount]string{
	"UNDEF", "IGNORE", "BREAK", "ENTER", "LEAVE", "CALL", "PUSH", "POP",
	"CONST", "LOCAL", "JUMP", "EQ", "NE", "LTI", "LEI", "GTI", "GEI", "LTU",
	"LEU", "GTU", "GEU", "EQF", "NEF", "LTF", "LEF", "GTF", "GEF", "LOAD1",
	"LOAD2", "LOAD4", "STORE1", "STORE2", "STORE4", "ARG", "BLOCK_COPY",
	"SEX8", "SEX16", "NEGI", "ADD", "SUB", "DIVI", "DIVU", "MODI", "MODU",
	"MULI", "MULU", "BAND", "BOR", "BXOR", "BCOM", "LSH", "RSHI", "RSHU",
	"NEGF", "ADDF", "SUBF", "DIVF", "MULF", "CVIF", "CVFI",
}

// operandSizes maps each opcode to the width in bytes of its immediate operand.
var operandSizes = func() [OpcodeCount]int {
	var sizes [OpcodeCount]int
	for _, op := range []Opcode{OpEnter, OpLeave, OpConst, OpLocal, OpBlockCopy} {
		sizes[op] = 4
	}
	for op := OpEq; op <= OpGef; op++ {
		sizes[op] = 4
	}
	sizes[OpArg] = 1
	return sizes
}()

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, OpcodeCount)
	for i, name := range opcodeNames {
		m[name] = Opcode(i)
	}
	return m
}()

// Valid reports whether op is one of the defined opcodes.
func (op Opcode) Valid() bool {
	return op < OpcodeCount
}

// OperandSize returns the operand width in bytes (0, 1 or 4).
func (op Opcode) OperandSize() int {
	if !op.Valid() {
		return 0
	}
	return operandSizes[op]
}

// HasOperand reports whether op carries an immediate operand.
func (op Opcode) HasOperand() bool {
	return op.OperandSize() != 0
}

// IsBranch reports whether op is a conditional branch whose operand is an
// instruction index.
func (op Opcode) IsBranch() bool {
	return op >= OpEq && op <= OpGef
}

// String returns the assembler mnemonic.
func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("Opcode(%d)", byte(op))
	}
	return opcodeNames[op]
}

// LookupOpcode returns the opcode with the given mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}
