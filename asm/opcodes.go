package asm

import "github.com/chazu/quatch/qvm"

// lccOps maps lcc's typed intermediate operators to VM opcodes. OpIgnore
// entries emit nothing; OpUndef entries have no VM representation.
// CALL*, ARG*, RET*, ADDRF* and ADDRL* are frame dependent and handled by
// the assembler directly.
var lccOps = map[string]qvm.Opcode{
	"BREAK": qvm.OpBreak,

	"CNSTF4": qvm.OpConst,
	"CNSTI4": qvm.OpConst,
	"CNSTP4": qvm.OpConst,
	"CNSTU4": qvm.OpConst,
	"CNSTI2": qvm.OpConst,
	"CNSTU2": qvm.OpConst,
	"CNSTI1": qvm.OpConst,
	"CNSTU1": qvm.OpConst,

	"ASGNB":  qvm.OpBlockCopy,
	"ASGNF4": qvm.OpStore4,
	"ASGNI4": qvm.OpStore4,
	"ASGNP4": qvm.OpStore4,
	"ASGNU4": qvm.OpStore4,
	"ASGNI2": qvm.OpStore2,
	"ASGNU2": qvm.OpStore2,
	"ASGNI1": qvm.OpStore1,
	"ASGNU1": qvm.OpStore1,

	"INDIRB":  qvm.OpIgnore,
	"INDIRF4": qvm.OpLoad4,
	"INDIRI4": qvm.OpLoad4,
	"INDIRP4": qvm.OpLoad4,
	"INDIRU4": qvm.OpLoad4,
	"INDIRI2": qvm.OpLoad2,
	"INDIRU2": qvm.OpLoad2,
	"INDIRI1": qvm.OpLoad1,
	"INDIRU1": qvm.OpLoad1,

	"CVFF4": qvm.OpUndef,
	"CVFI4": qvm.OpCvfi,
	"CVIF4": qvm.OpCvif,
	"CVII4": qvm.OpSex8, // SEX8 or SEX16 depending on the source size
	"CVII1": qvm.OpIgnore,
	"CVII2": qvm.OpIgnore,
	"CVIU4": qvm.OpIgnore,
	"CVPU4": qvm.OpIgnore,
	"CVUI4": qvm.OpIgnore,
	"CVUP4": qvm.OpIgnore,
	"CVUU4": qvm.OpIgnore,
	"CVUU1": qvm.OpIgnore,

	"NEGF4":   qvm.OpNegf,
	"NEGI4":   qvm.OpNegi,
	"ADDRGP4": qvm.OpConst,

	"ADDF4": qvm.OpAddf,
	"ADDI4": qvm.OpAdd,
	"ADDP4": qvm.OpAdd,
	"ADDP":  qvm.OpAdd,
	"ADDU4": qvm.OpAdd,
	"SUBF4": qvm.OpSubf,
	"SUBI4": qvm.OpSub,
	"SUBP4": qvm.OpSub,
	"SUBU4": qvm.OpSub,
	"LSHI4": qvm.OpLsh,
	"LSHU4": qvm.OpLsh,
	"MODI4": qvm.OpModi,
	"MODU4": qvm.OpModu,
	"RSHI4": qvm.OpRshi,
	"RSHU4": qvm.OpRshu,

	"BANDI4": qvm.OpBand,
	"BANDU4": qvm.OpBand,
	"BCOMI4": qvm.OpBcom,
	"BCOMU4": qvm.OpBcom,
	"BORI4":  qvm.OpBor,
	"BORU4":  qvm.OpBor,
	"BXORI4": qvm.OpBxor,
	"BXORU4": qvm.OpBxor,

	"DIVF4": qvm.OpDivf,
	"DIVI4": qvm.OpDivi,
	"DIVU4": qvm.OpDivu,
	"MULF4": qvm.OpMulf,
	"MULI4": qvm.OpMuli,
	"MULU4": qvm.OpMulu,

	"EQF4": qvm.OpEqf,
	"EQI4": qvm.OpEq,
	"EQU4": qvm.OpEq,
	"GEF4": qvm.OpGef,
	"GEI4": qvm.OpGei,
	"GEU4": qvm.OpGeu,
	"GTF4": qvm.OpGtf,
	"GTI4": qvm.OpGti,
	"GTU4": qvm.OpGtu,
	"LEF4": qvm.OpLef,
	"LEI4": qvm.OpLei,
	"LEU4": qvm.OpLeu,
	"LTF4": qvm.OpLtf,
	"LTI4": qvm.OpLti,
	"LTU4": qvm.OpLtu,
	"NEF4": qvm.OpNef,
	"NEI4": qvm.OpNe,
	"NEU4": qvm.OpNe,

	"JUMPV": qvm.OpJump,

	"LOADB4": qvm.OpUndef,
	"LOADF4": qvm.OpUndef,
	"LOADI4": qvm.OpUndef,
	"LOADP4": qvm.OpUndef,
	"LOADU4": qvm.OpUndef,
}
