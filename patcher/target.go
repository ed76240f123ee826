package patcher

import (
	"fmt"
	"strconv"
)

// Target names a function either by symbol or by code address.
type Target struct {
	Name string
	Addr uint32
}

// ByName refers to a function through the session namespace.
func ByName(name string) Target {
	return Target{Name: name}
}

// ByAddr refers to a function by instruction index.
func ByAddr(addr uint32) Target {
	return Target{Addr: addr}
}

// ParseTarget accepts a number (decimal or 0x-prefixed hex) as an address
// and anything else as a name.
func ParseTarget(s string) Target {
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return ByAddr(uint32(v))
	}
	return ByName(s)
}

func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("%#x", t.Addr)
}
