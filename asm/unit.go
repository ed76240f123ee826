// Package asm ingests the "bytecode" assembly that lcc emits for the Quake 3
// VM and turns each file into a relocatable Unit.
package asm

import (
	"sort"
	"strings"

	"github.com/chazu/quatch/qvm"
)

// Symbol is a label defined by a unit, relative to the start of its segment.
// Code labels are instruction indices; everything else is a byte offset.
// SegAbs symbols (equ) carry their value in Offset.
type Symbol struct {
	Segment qvm.Segment
	Offset  uint32
}

// Relocation asks the linker to store the address of Name plus Addend.
// For SegCode, Index is the instruction whose operand is patched; for
// SegData it is the byte offset of a little-endian word in Data.
type Relocation struct {
	Segment qvm.Segment
	Index   uint32
	Name    string
	Addend  int32
}

// Unit is one ingested assembly file. Its segments are not yet placed.
type Unit struct {
	Name string

	Code    []qvm.Instruction
	Data    []byte // always a whole number of words
	Lit     []byte
	BSSSize uint32

	DataAlign uint32
	LitAlign  uint32
	BSSAlign  uint32

	Symbols     map[string]Symbol
	Relocations []Relocation
}

// NewUnit returns an empty unit.
func NewUnit(name string) *Unit {
	return &Unit{
		Name:      name,
		DataAlign: 4,
		LitAlign:  1,
		BSSAlign:  4,
		Symbols:   make(map[string]Symbol),
	}
}

// IsLocal reports whether name is a unit-local label ($N). Local labels
// never enter the link namespace.
func IsLocal(name string) bool {
	return strings.HasPrefix(name, "$")
}

// Alignment returns the alignment the linker must honor when placing seg.
func (u *Unit) Alignment(seg qvm.Segment) uint32 {
	var a uint32
	switch seg {
	case qvm.SegData:
		a = max(u.DataAlign, 4)
	case qvm.SegLit:
		a = u.LitAlign
	case qvm.SegBSS:
		a = u.BSSAlign
	}
	return max(a, 1)
}

// Defines reports whether the unit defines name.
func (u *Unit) Defines(name string) bool {
	_, ok := u.Symbols[name]
	return ok
}

// Globals returns the sorted names of symbols visible to other units.
func (u *Unit) Globals() []string {
	var names []string
	for name := range u.Symbols {
		if !IsLocal(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Externals returns the sorted names referenced by relocations but not
// defined in the unit.
func (u *Unit) Externals() []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range u.Relocations {
		if u.Defines(r.Name) || seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
