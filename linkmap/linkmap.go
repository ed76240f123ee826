// Package linkmap records the outcome of a patch session: every symbol the
// patched image defines and every call redirection applied. A link map
// written next to a patched image lets a later session patch that image
// again without re-deriving its symbols.
package linkmap

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fxamacker/cbor/v2"
)

// Version is the current encoding version.
const Version = 1

// Map is the persisted form of a session.
type Map struct {
	Version     uint8   `cbor:"1,keyasint"`
	SessionID   string  `cbor:"2,keyasint"`
	Input       string  `cbor:"3,keyasint,omitempty"`
	OriginalCRC uint32  `cbor:"4,keyasint"`
	OutputCRC   uint32  `cbor:"5,keyasint"`
	Symbols     []Entry `cbor:"6,keyasint"`
	Patches     []Patch `cbor:"7,keyasint,omitempty"`
}

// Entry is one symbol. Unit is empty for symbols that were supplied by the
// user rather than injected.
type Entry struct {
	Name string `cbor:"1,keyasint"`
	Addr uint32 `cbor:"2,keyasint"`
	Unit string `cbor:"3,keyasint,omitempty"`
}

// Patch is one call redirection.
type Patch struct {
	Old     string `cbor:"1,keyasint"`
	OldAddr uint32 `cbor:"2,keyasint"`
	New     string `cbor:"3,keyasint"`
	NewAddr uint32 `cbor:"4,keyasint"`
	Count   int    `cbor:"5,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("linkmap: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes m to canonical CBOR. Symbols are sorted by name so
// equal maps encode identically.
func Marshal(m *Map) ([]byte, error) {
	out := *m
	out.Version = Version
	out.Symbols = append([]Entry(nil), m.Symbols...)
	sort.Slice(out.Symbols, func(i, j int) bool { return out.Symbols[i].Name < out.Symbols[j].Name })
	return cborEncMode.Marshal(&out)
}

// Unmarshal deserializes a link map.
func Unmarshal(data []byte) (*Map, error) {
	var m Map
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("linkmap: unmarshal: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("linkmap: unsupported version %d", m.Version)
	}
	return &m, nil
}

// Load reads a link map file.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("linkmap: %w", err)
	}
	return Unmarshal(data)
}

// Save writes m to path.
func (m *Map) Save(path string) error {
	data, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("linkmap: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("linkmap: %w", err)
	}
	return nil
}

// Addrs returns every symbol as a plain map, suitable as the user symbols
// of a session that patches the output image again.
func (m *Map) Addrs() map[string]uint32 {
	out := make(map[string]uint32, len(m.Symbols))
	for _, e := range m.Symbols {
		out[e.Name] = e.Addr
	}
	return out
}

// WriteText renders m for humans.
func (m *Map) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s\n", m.SessionID)
	if m.Input != "" {
		fmt.Fprintf(tw, "input\t%s\n", m.Input)
	}
	fmt.Fprintf(tw, "crc\t%08x -> %08x\n", m.OriginalCRC, m.OutputCRC)

	fmt.Fprintln(tw, "\nSYMBOL\tADDRESS\tUNIT")
	syms := append([]Entry(nil), m.Symbols...)
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Addr != syms[j].Addr {
			return syms[i].Addr < syms[j].Addr
		}
		return syms[i].Name < syms[j].Name
	})
	for _, e := range syms {
		unit := e.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(tw, "%s\t%#x\t%s\n", e.Name, e.Addr, unit)
	}

	if len(m.Patches) > 0 {
		fmt.Fprintln(tw, "\nOLD\tNEW\tCALLS")
		for _, p := range m.Patches {
			fmt.Fprintf(tw, "%s (%#x)\t%s (%#x)\t%d\n", p.Old, p.OldAddr, p.New, p.NewAddr, p.Count)
		}
	}
	return tw.Flush()
}
