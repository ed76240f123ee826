package link

import (
	"errors"
	"fmt"

	"github.com/chazu/quatch/qvm"
)

// ---------------------------------------------------------------------------
// Link Error Types
// ---------------------------------------------------------------------------

var (
	ErrUndefinedSymbol = errors.New("undefined symbol")
	ErrDuplicateSymbol = errors.New("duplicate symbol")
	ErrNoMatch         = errors.New("no matching call sites")

	// ErrSegmentOverflow is shared with the codec so callers can test for
	// it without caring which layer noticed.
	ErrSegmentOverflow = qvm.ErrSegmentOverflow
)

// SymbolError reports a resolution failure. Unit is the unit that
// references or defines Name; Other is the origin of a conflicting
// definition ("" for user-supplied symbols).
type SymbolError struct {
	Kind  error
	Name  string
	Unit  string
	Other string
}

func (e *SymbolError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrDuplicateSymbol):
		return fmt.Sprintf("%v %q in %s, already defined by %s", e.Kind, e.Name, e.Unit, originName(e.Other))
	default:
		return fmt.Sprintf("%v %q referenced by %s", e.Kind, e.Name, e.Unit)
	}
}

func (e *SymbolError) Unwrap() error {
	return e.Kind
}

func originName(origin string) string {
	if origin == "" {
		return "the symbol map"
	}
	return origin
}

// LinkError wraps any failure of Link. The input image is unchanged.
type LinkError struct {
	Err error
}

func (e *LinkError) Error() string {
	return "link: " + e.Err.Error()
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// PatchError reports that no original call site targets Target.
type PatchError struct {
	Target uint32
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%v for target %#x", ErrNoMatch, e.Target)
}

func (e *PatchError) Unwrap() error {
	return ErrNoMatch
}
