package asm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/quatch/qvm"
)

// Ingest parses lcc bytecode assembly into a unit named name.
func Ingest(name string, src []byte) (*Unit, error) {
	return ingest(name, name, src)
}

// IngestFile reads and parses an assembly file. The unit is named after
// the file without its extension.
func IngestFile(path string) (*Unit, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ingest(name, path, src)
}

func ingest(name, file string, src []byte) (*Unit, error) {
	a := &assembler{unit: NewUnit(name), file: file, seg: qvm.SegCode}
	for i, line := range strings.Split(string(src), "\n") {
		a.line = i + 1
		if err := a.assembleLine(line); err != nil {
			return nil, err
		}
	}
	a.padData()
	return a.unit, nil
}

// ---------------------------------------------------------------------------
// Assembler state
// ---------------------------------------------------------------------------

type assembler struct {
	unit *Unit
	file string
	line int

	seg       qvm.Segment
	lastLabel string

	// Current procedure frame, in bytes.
	locals    uint32
	args      uint32
	argOffset uint32
}

func (a *assembler) errorf(kind error, format string, args ...any) error {
	return &IngestError{File: a.file, Line: a.line, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// frame is the ENTER/LEAVE operand of the current procedure: locals,
// outgoing arguments, the return address and the caller's frame size.
func (a *assembler) frame() uint32 {
	return 8 + a.locals + a.args
}

func (a *assembler) segLen(seg qvm.Segment) uint32 {
	switch seg {
	case qvm.SegCode:
		return uint32(len(a.unit.Code))
	case qvm.SegData:
		return uint32(len(a.unit.Data))
	case qvm.SegLit:
		return uint32(len(a.unit.Lit))
	case qvm.SegBSS:
		return a.unit.BSSSize
	}
	return 0
}

func (a *assembler) padData() {
	for len(a.unit.Data)%4 != 0 {
		a.unit.Data = append(a.unit.Data, 0)
	}
}

func (a *assembler) emit(ins ...qvm.Instruction) error {
	if a.seg != qvm.SegCode {
		return a.errorf(ErrMalformed, "instruction in %s segment", a.seg)
	}
	a.unit.Code = append(a.unit.Code, ins...)
	return nil
}

func (a *assembler) define(name string, seg qvm.Segment, offset uint32) error {
	if a.unit.Defines(name) {
		return a.errorf(ErrMalformed, "multiple definitions for %s", name)
	}
	a.unit.Symbols[name] = Symbol{Segment: seg, Offset: offset}
	return nil
}

func (a *assembler) relocate(seg qvm.Segment, index uint32, name string, addend int32) {
	a.unit.Relocations = append(a.unit.Relocations, Relocation{
		Segment: seg,
		Index:   index,
		Name:    name,
		Addend:  addend,
	})
}

// switchForInitializer moves to seg when an initializer implies a segment
// other than the current one. lcc emits byte arrays and float constants
// under the wrong directive, so a label just defined at the end of the old
// segment moves along with its contents.
func (a *assembler) switchForInitializer(seg qvm.Segment) {
	if a.seg == seg {
		return
	}
	prev := a.seg
	a.seg = seg
	if seg == qvm.SegData {
		a.padData()
	}
	if a.lastLabel == "" || prev == qvm.SegCode {
		return
	}
	sym := a.unit.Symbols[a.lastLabel]
	if sym.Segment == prev && sym.Offset == a.segLen(prev) {
		a.unit.Symbols[a.lastLabel] = Symbol{Segment: seg, Offset: a.segLen(seg)}
	}
}

// ---------------------------------------------------------------------------
// Line dispatch
// ---------------------------------------------------------------------------

func (a *assembler) assembleLine(line string) error {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || strings.HasPrefix(tokens[0], ";") {
		return nil
	}
	word := tokens[0]

	if op, ok := lccOps[word]; ok {
		return a.assembleOp(word, op, tokens)
	}

	switch {
	case strings.HasPrefix(word, "CALL"):
		a.argOffset = 0
		return a.emit(qvm.Ins(qvm.OpCall))

	case strings.HasPrefix(word, "ARG"):
		offset := 8 + a.argOffset
		if offset > 0xff {
			return a.errorf(ErrUnsupportedConstruct, "call passes more than %d argument words", (0xff-8)/4+1)
		}
		a.argOffset += 4
		return a.emit(qvm.Ins(qvm.OpArg, offset))

	case strings.HasPrefix(word, "RET"):
		return a.emit(qvm.Ins(qvm.OpLeave, a.frame()))

	case strings.HasPrefix(word, "ADDRF"):
		n, err := a.intArg(tokens, 1, 0, math.MaxUint32)
		if err != nil {
			return err
		}
		return a.emit(qvm.Ins(qvm.OpLocal, uint32(n)+16+a.args+a.locals))

	case strings.HasPrefix(word, "ADDRL"):
		n, err := a.intArg(tokens, 1, 0, math.MaxUint32)
		if err != nil {
			return err
		}
		return a.emit(qvm.Ins(qvm.OpLocal, uint32(n)+8+a.args))

	case strings.HasPrefix(word, "LABEL"):
		if len(tokens) < 2 {
			return a.errorf(ErrMalformed, "%s without a name", word)
		}
		if err := a.define(tokens[1], a.seg, a.segLen(a.seg)); err != nil {
			return err
		}
		a.lastLabel = tokens[1]
		return nil
	}

	switch word {
	case "pop":
		return a.emit(qvm.Ins(qvm.OpPop))
	case "proc":
		return a.proc(tokens)
	case "endproc":
		return a.emit(qvm.Ins(qvm.OpPush), qvm.Ins(qvm.OpLeave, a.frame()))
	case "code":
		a.seg = qvm.SegCode
	case "data":
		a.seg = qvm.SegData
	case "lit":
		a.seg = qvm.SegLit
	case "bss":
		a.seg = qvm.SegBSS
	case "address":
		return a.address(tokens)
	case "byte":
		return a.byteDirective(tokens)
	case "skip":
		return a.skip(tokens)
	case "align":
		return a.align(tokens)
	case "equ":
		if len(tokens) < 3 {
			return a.errorf(ErrMalformed, "equ needs a name and a value")
		}
		v, err := a.intArg(tokens, 2, math.MinInt32, math.MaxUint32)
		if err != nil {
			return err
		}
		return a.define(tokens[1], qvm.SegAbs, uint32(v))
	case "export", "import", "file", "line":
	default:
		return a.errorf(ErrMalformed, "syntax error at %q", word)
	}
	return nil
}

func (a *assembler) assembleOp(word string, op qvm.Opcode, tokens []string) error {
	switch op {
	case qvm.OpUndef:
		return a.errorf(ErrUnsupportedConstruct, "%s has no VM equivalent", word)
	case qvm.OpIgnore:
		return nil
	case qvm.OpSex8:
		if len(tokens) < 2 {
			return a.errorf(ErrMalformed, "%s without a source size", word)
		}
		switch tokens[1][0] {
		case '1':
			op = qvm.OpSex8
		case '2':
			op = qvm.OpSex16
		default:
			return a.errorf(ErrMalformed, "bad sign extension %s", tokens[1])
		}
		return a.emit(qvm.Ins(op))
	}

	if !op.HasOperand() {
		return a.emit(qvm.Ins(op))
	}
	if len(tokens) < 2 {
		return a.errorf(ErrMalformed, "%s needs an operand", word)
	}
	e, err := a.expression(tokens[1])
	if err != nil {
		return err
	}
	if op == qvm.OpBlockCopy {
		if e.sym != "" {
			return a.errorf(ErrMalformed, "%s size must be a number", word)
		}
		e.value = (e.value + 3) &^ 3
	}
	if e.sym != "" && a.seg == qvm.SegCode {
		a.relocate(qvm.SegCode, uint32(len(a.unit.Code)), e.sym, e.addend)
	}
	return a.emit(qvm.Ins(op, e.value))
}

// ---------------------------------------------------------------------------
// Directives
// ---------------------------------------------------------------------------

func (a *assembler) proc(tokens []string) error {
	if len(tokens) < 4 {
		return a.errorf(ErrMalformed, "proc needs a name, locals and args")
	}
	if a.seg != qvm.SegCode {
		return a.errorf(ErrMalformed, "proc %s in %s segment", tokens[1], a.seg)
	}
	locals, err := a.intArg(tokens, 2, 0, math.MaxInt32)
	if err != nil {
		return err
	}
	args, err := a.intArg(tokens, 3, 0, math.MaxInt32)
	if err != nil {
		return err
	}
	if err := a.define(tokens[1], qvm.SegCode, a.segLen(qvm.SegCode)); err != nil {
		return err
	}
	a.lastLabel = tokens[1]
	a.locals = (uint32(locals) + 3) &^ 3
	a.args = (uint32(args) + 3) &^ 3
	a.argOffset = 0
	return a.emit(qvm.Ins(qvm.OpEnter, a.frame()))
}

func (a *assembler) address(tokens []string) error {
	if len(tokens) < 2 {
		return a.errorf(ErrMalformed, "address needs an expression")
	}
	e, err := a.expression(tokens[1])
	if err != nil {
		return err
	}
	a.switchForInitializer(qvm.SegData)
	if e.sym != "" {
		a.relocate(qvm.SegData, uint32(len(a.unit.Data)), e.sym, e.addend)
	}
	a.unit.Data = binary.LittleEndian.AppendUint32(a.unit.Data, e.value)
	return nil
}

func (a *assembler) byteDirective(tokens []string) error {
	if len(tokens) < 3 {
		return a.errorf(ErrMalformed, "byte needs a size and a value")
	}
	size, err := a.intArg(tokens, 1, 1, 4)
	if err != nil {
		return err
	}
	var lo, hi int64
	switch size {
	case 1:
		lo, hi = math.MinInt8, math.MaxUint8
		a.switchForInitializer(qvm.SegLit)
	case 2:
		lo, hi = math.MinInt16, math.MaxUint16
	case 4:
		lo, hi = math.MinInt32, math.MaxUint32
		a.switchForInitializer(qvm.SegData)
	default:
		return a.errorf(ErrMalformed, "bad byte size %d", size)
	}
	v, err := a.intArg(tokens, 2, lo, hi)
	if err != nil {
		return err
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	switch a.seg {
	case qvm.SegData:
		a.unit.Data = append(a.unit.Data, buf[:size]...)
	case qvm.SegLit:
		a.unit.Lit = append(a.unit.Lit, buf[:size]...)
	default:
		return a.errorf(ErrMalformed, "initialized bytes in %s segment", a.seg)
	}
	return nil
}

func (a *assembler) skip(tokens []string) error {
	n, err := a.intArg(tokens, 1, 0, math.MaxInt32)
	if err != nil {
		return err
	}
	switch a.seg {
	case qvm.SegData:
		a.unit.Data = append(a.unit.Data, make([]byte, n)...)
	case qvm.SegLit:
		a.unit.Lit = append(a.unit.Lit, make([]byte, n)...)
	case qvm.SegBSS:
		if uint64(a.unit.BSSSize)+uint64(n) > math.MaxUint32 {
			return a.errorf(ErrUnsupportedConstruct, "bss exceeds 4 GiB")
		}
		a.unit.BSSSize += uint32(n)
	default:
		return a.errorf(ErrMalformed, "skip in %s segment", a.seg)
	}
	return nil
}

func (a *assembler) align(tokens []string) error {
	n, err := a.intArg(tokens, 1, 1, 1<<16)
	if err != nil {
		return err
	}
	alignment := uint32(n)
	pad := func(size uint32) uint32 {
		return (size+alignment-1)/alignment*alignment - size
	}
	u := a.unit
	switch a.seg {
	case qvm.SegData:
		u.Data = append(u.Data, make([]byte, pad(uint32(len(u.Data))))...)
		u.DataAlign = max(u.DataAlign, alignment)
	case qvm.SegLit:
		u.Lit = append(u.Lit, make([]byte, pad(uint32(len(u.Lit))))...)
		u.LitAlign = max(u.LitAlign, alignment)
	case qvm.SegBSS:
		u.BSSSize += pad(u.BSSSize)
		u.BSSAlign = max(u.BSSAlign, alignment)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// intArg parses tokens[i] as a decimal integer in [lo, hi].
func (a *assembler) intArg(tokens []string, i int, lo, hi int64) (int64, error) {
	if i >= len(tokens) {
		return 0, a.errorf(ErrMalformed, "%s: missing operand %d", tokens[0], i)
	}
	v, err := strconv.ParseInt(tokens[i], 10, 64)
	if err != nil {
		return 0, a.errorf(ErrMalformed, "bad number %q", tokens[i])
	}
	if v < lo || v > hi {
		return 0, a.errorf(ErrMalformed, "%d out of range [%d, %d]", v, lo, hi)
	}
	return v, nil
}

type expr struct {
	value  uint32 // numeric value when sym is empty
	sym    string
	addend int32
}

// expression parses "number" or "symbol" followed by any number of
// "+number" or "-number" terms.
func (a *assembler) expression(s string) (expr, error) {
	var terms []string
	var ops []byte
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] == '+' || s[i] == '-' {
			terms = append(terms, s[start:i])
			if i < len(s) {
				ops = append(ops, s[i])
			}
			start = i + 1
		}
	}

	var e expr
	var total int64
	first := terms[0]
	switch {
	case first == "":
		return expr{}, a.errorf(ErrMalformed, "bad expression %q", s)
	case strings.ContainsRune("+-0123456789", rune(first[0])):
		v, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return expr{}, a.errorf(ErrMalformed, "bad number %q in %q", first, s)
		}
		total = v
	default:
		e.sym = first
	}

	for i, term := range terms[1:] {
		v, err := strconv.ParseUint(term, 10, 32)
		if err != nil {
			return expr{}, a.errorf(ErrMalformed, "bad addend %q in %q", term, s)
		}
		if ops[i] == '-' {
			total -= int64(v)
		} else {
			total += int64(v)
		}
	}

	if e.sym != "" {
		if total < math.MinInt32 || total > math.MaxInt32 {
			return expr{}, a.errorf(ErrMalformed, "addend out of range in %q", s)
		}
		e.addend = int32(total)
		return e, nil
	}
	if total < math.MinInt32 || total > math.MaxUint32 {
		return expr{}, a.errorf(ErrMalformed, "%q out of range", s)
	}
	e.value = uint32(total)
	return e, nil
}
