package link

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/chazu/quatch/asm"
	"github.com/chazu/quatch/qvm"
)

// Result is a linked image together with what the caller needs to keep
// patching it.
type Result struct {
	Image   *qvm.Image
	Symbols Namespace // env plus every global the units defined
	Memory  *qvm.Memory
	Layout  *Layout
}

// Resolve merges env with the globals of units placed by layout and checks
// that every external reference is defined. A name defined twice is an
// error even when both definitions agree.
func Resolve(units []*asm.Unit, env Namespace, layout *Layout) (Namespace, error) {
	ns := env.Clone()
	for i, u := range units {
		p := layout.Units[i]
		for _, name := range u.Globals() {
			if prev, ok := ns[name]; ok {
				return nil, &SymbolError{Kind: ErrDuplicateSymbol, Name: name, Unit: u.Name, Other: prev.Origin}
			}
			ns[name] = Symbol{Name: name, Addr: p.Addr(u.Symbols[name]), Origin: u.Name}
		}
	}
	for _, u := range units {
		for _, name := range u.Externals() {
			if _, ok := ns[name]; !ok {
				return nil, &SymbolError{Kind: ErrUndefinedSymbol, Name: name, Unit: u.Name}
			}
		}
	}
	return ns, nil
}

// Link appends units to a copy of img. Code follows the existing code;
// data, lit and bss are placed above the existing bss and reported in
// Result.Memory. img itself is never modified.
func Link(img *qvm.Image, units []*asm.Unit, env Namespace) (*Result, error) {
	layout, err := Plan(img, units)
	if err != nil {
		return nil, &LinkError{Err: err}
	}
	ns, err := Resolve(units, env, layout)
	if err != nil {
		return nil, &LinkError{Err: err}
	}

	out := img.Clone()
	for i, u := range units {
		p := layout.Units[i]
		code := slices.Clone(u.Code)
		for _, r := range u.Relocations {
			value := relocate(u, p, ns, r)
			switch r.Segment {
			case qvm.SegCode:
				if int(r.Index) >= len(code) {
					return nil, &LinkError{Err: fmt.Errorf("unit %s: relocation of %s past instruction %d", u.Name, r.Name, len(code))}
				}
				code[r.Index].Operand = value
			case qvm.SegData:
				var word [4]byte
				binary.LittleEndian.PutUint32(word[:], value)
				if err := layout.Memory.Set(p.Data+r.Index, word[:]); err != nil {
					return nil, &LinkError{Err: fmt.Errorf("unit %s: relocation of %s: %w", u.Name, r.Name, err)}
				}
			default:
				return nil, &LinkError{Err: fmt.Errorf("unit %s: relocation in %s segment", u.Name, r.Segment)}
			}
		}
		out.Code = append(out.Code, code...)
	}

	growTo(out, layout.Memory.End())
	if out.Magic == qvm.MagicVer2 {
		out.JumpTargets = append(out.JumpTargets, jumpTargets(units, layout)...)
	}

	return &Result{Image: out, Symbols: ns, Memory: layout.Memory, Layout: layout}, nil
}

// relocate computes the value a relocation stores. Names the unit defines
// itself, including local labels, bind to its own placement.
func relocate(u *asm.Unit, p Placement, ns Namespace, r asm.Relocation) uint32 {
	var base uint32
	if sym, ok := u.Symbols[r.Name]; ok {
		base = p.Addr(sym)
	} else {
		base = ns[r.Name].Addr
	}
	return uint32(int64(base) + int64(r.Addend))
}

// jumpTargets lists the placed instruction index of every code label, for
// version 2 images.
func jumpTargets(units []*asm.Unit, layout *Layout) []uint32 {
	var out []uint32
	for i, u := range units {
		for _, sym := range u.Symbols {
			if sym.Segment == qvm.SegCode {
				out = append(out, layout.Units[i].Addr(sym))
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
