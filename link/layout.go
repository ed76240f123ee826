package link

import (
	"fmt"
	"math"

	"github.com/chazu/quatch/asm"
	"github.com/chazu/quatch/qvm"
)

// Placement records where one unit's segments go.
type Placement struct {
	Unit string
	Code uint32 // first instruction index
	Data uint32 // VM memory addresses
	Lit  uint32
	BSS  uint32
}

// Addr returns the final address of a symbol defined by the placed unit.
func (p Placement) Addr(sym asm.Symbol) uint32 {
	switch sym.Segment {
	case qvm.SegCode:
		return p.Code + sym.Offset
	case qvm.SegData:
		return p.Data + sym.Offset
	case qvm.SegLit:
		return p.Lit + sym.Offset
	case qvm.SegBSS:
		return p.BSS + sym.Offset
	default:
		return sym.Offset
	}
}

// Layout is the result of the placement pass.
type Layout struct {
	Units []Placement

	// CodeEnd is the instruction count after appending every unit.
	CodeEnd uint32

	// Memory holds the units' data, lit and bss, starting at the image's
	// MemoryEnd. Its contents are not yet relocated.
	Memory *qvm.Memory
}

// Plan assigns code indices after the existing code and memory addresses
// after the existing bss, in unit order. No existing address moves.
func Plan(img *qvm.Image, units []*asm.Unit) (*Layout, error) {
	if err := checkCapacity(img, units); err != nil {
		return nil, err
	}

	l := &Layout{
		Units:  make([]Placement, len(units)),
		Memory: qvm.NewMemory(img.MemoryEnd()),
	}
	code := uint32(len(img.Code))
	for i, u := range units {
		p := Placement{Unit: u.Name, Code: code}
		code += uint32(len(u.Code))

		var err error
		if p.Data, err = l.Memory.AddRegion(qvm.RegionData, u.Data, u.Alignment(qvm.SegData)); err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.Name, err)
		}
		if p.Lit, err = l.Memory.AddRegion(qvm.RegionLit, u.Lit, u.Alignment(qvm.SegLit)); err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.Name, err)
		}
		p.BSS = l.Memory.AddBSS(u.BSSSize, u.Alignment(qvm.SegBSS))
		l.Units[i] = p
	}
	l.CodeEnd = code
	l.Memory.Align(4)
	return l, nil
}

// checkCapacity rejects batches whose instruction count, code length or
// memory size would not fit the header's 32-bit fields.
func checkCapacity(img *qvm.Image, units []*asm.Unit) error {
	count := uint64(len(img.Code))
	codeLen := uint64(img.CodeLength()) + uint64(img.Header().CodeOffset) + 3
	mem := uint64(img.MemoryEnd())
	for _, u := range units {
		count += uint64(len(u.Code))
		for _, in := range u.Code {
			codeLen += uint64(in.Size())
		}
		mem = align64(mem, u.Alignment(qvm.SegData)) + uint64(len(u.Data))
		mem = align64(mem, u.Alignment(qvm.SegLit)) + uint64(len(u.Lit))
		mem = align64(mem, u.Alignment(qvm.SegBSS)) + uint64(u.BSSSize)
	}
	mem = align64(mem, 4) + uint64(qvm.StackSize)

	switch {
	case count > math.MaxUint32:
		return fmt.Errorf("%w: %d instructions", ErrSegmentOverflow, count)
	case codeLen > math.MaxUint32:
		return fmt.Errorf("%w: %d code bytes", ErrSegmentOverflow, codeLen)
	case mem > math.MaxUint32:
		return fmt.Errorf("%w: %d bytes of VM memory", ErrSegmentOverflow, mem)
	}
	return nil
}

func align64(n uint64, alignment uint32) uint64 {
	a := uint64(max(alignment, 1))
	return (n + a - 1) / a * a
}

// GrowBSS reserves size zero bytes below the stack and returns the grown
// copy of img with the base address of the new region.
func GrowBSS(img *qvm.Image, size, alignment uint32) (*qvm.Image, uint32, error) {
	base := align64(uint64(img.MemoryEnd()), alignment)
	end := base + uint64(size)
	if end+uint64(qvm.StackSize) > math.MaxUint32 {
		return nil, 0, fmt.Errorf("%w: bss of %d bytes at %#x", ErrSegmentOverflow, size, base)
	}
	out := img.Clone()
	growTo(out, uint32(end))
	return out, uint32(base), nil
}

// growTo extends bss so that memory up to end lies below a full stack
// reserve.
func growTo(img *qvm.Image, end uint32) {
	if end <= img.MemoryEnd() {
		return
	}
	img.BSS = end - img.BSSBase() + qvm.StackSize
}
