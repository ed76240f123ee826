// Package link places compiled units into an existing VM image, resolves
// their symbols and redirects call sites.
package link

import (
	"maps"
	"slices"
)

// Symbol is a resolved name. Code symbols are instruction indices; all
// others are VM memory addresses or plain values.
type Symbol struct {
	Name   string
	Addr   uint32
	Origin string // unit that defined it; "" for user-supplied symbols
}

// User reports whether the symbol came from the caller's symbol map rather
// than an injected unit.
func (s Symbol) User() bool {
	return s.Origin == ""
}

// Namespace is the merged set of names known to a session.
type Namespace map[string]Symbol

// NewNamespace builds a namespace of user-supplied symbols. Their
// addresses refer to the original image and are never adjusted.
func NewNamespace(symbols map[string]uint32) Namespace {
	ns := make(Namespace, len(symbols))
	for name, addr := range symbols {
		ns[name] = Symbol{Name: name, Addr: addr}
	}
	return ns
}

// Clone returns a copy that can be extended without affecting ns.
func (ns Namespace) Clone() Namespace {
	if ns == nil {
		return Namespace{}
	}
	return maps.Clone(ns)
}

// Lookup returns the symbol named name.
func (ns Namespace) Lookup(name string) (Symbol, bool) {
	s, ok := ns[name]
	return s, ok
}

// Names returns all names in sorted order.
func (ns Namespace) Names() []string {
	return slices.Sorted(maps.Keys(ns))
}

// Addrs flattens the namespace into a name to address map.
func (ns Namespace) Addrs() map[string]uint32 {
	out := make(map[string]uint32, len(ns))
	for name, s := range ns {
		out[name] = s.Addr
	}
	return out
}

// ByAddr maps addresses back to names. When several names share an
// address the alphabetically first wins.
func (ns Namespace) ByAddr() map[uint32]string {
	out := make(map[uint32]string, len(ns))
	for _, name := range ns.Names() {
		addr := ns[name].Addr
		if _, ok := out[addr]; !ok {
			out[addr] = name
		}
	}
	return out
}
