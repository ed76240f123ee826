// Package patcher is the user-facing entry point: open an image, inject
// compiled units, redirect calls and serialize the result.
package patcher

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/quatch/asm"
	"github.com/chazu/quatch/link"
	"github.com/chazu/quatch/linkmap"
	"github.com/chazu/quatch/qvm"
)

// logger is looked up on use so that a backend registered after package
// initialization still takes effect.
func logger() commonlog.Logger {
	return commonlog.GetLogger("quatch.patcher")
}

var (
	// ErrInitSymbol means data was added but no init function could be
	// hooked to initialize it.
	ErrInitSymbol = errors.New("no init function to hook")

	ErrUnknownSymbol = errors.New("unknown symbol")
)

// DefaultInitSymbols are tried in order when hooking data initialization:
// game, client game and UI modules respectively.
var DefaultInitSymbols = []string{"G_InitGame", "CG_Init", "UI_Init"}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Option configures a Session.
type Option func(*Session)

// WithStrict rejects images whose header offsets disagree with their
// segments.
func WithStrict() Option {
	return func(s *Session) { s.strict = true }
}

// WithForgeCRC makes Serialize keep the original file's CRC-32.
func WithForgeCRC() Option {
	return func(s *Session) { s.forgeCRC = true }
}

// WithInitSymbols replaces DefaultInitSymbols.
func WithInitSymbols(names ...string) Option {
	return func(s *Session) { s.initSymbols = names }
}

// WithName labels the session's input in logs and link maps.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session owns an image and its namespace for the duration of one patch.
// A Session is not safe for concurrent use.
type Session struct {
	id    string
	name  string
	state State

	img         *qvm.Image
	symbols     link.Namespace
	origCodeLen int
	origCRC     uint32
	calls       []link.CallSite // direct calls in the original code

	// Initialized bytes placed above the original bss.
	regions []qvm.Region

	patches []linkmap.Patch

	strict      bool
	forgeCRC    bool
	initSymbols []string
}

// Open decodes data and starts a session. symbols names addresses in the
// original image.
func Open(data []byte, symbols map[string]uint32, opts ...Option) (*Session, error) {
	s := &Session{
		id:          uuid.New().String(),
		initSymbols: DefaultInitSymbols,
	}
	for _, opt := range opts {
		opt(s)
	}

	img, err := qvm.DecodeWithOptions(data, qvm.DecodeOptions{Strict: s.strict})
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	s.img = img
	s.symbols = link.NewNamespace(symbols)
	s.origCodeLen = len(img.Code)
	s.origCRC = qvm.Checksum(data)
	s.calls = link.CallSites(img, s.origCodeLen)

	logger().Infof("session %s: opened %s: %d instructions, %d calls, crc %08x",
		s.id, s.label(), len(img.Code), len(s.calls), s.origCRC)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Image returns the current image. Callers must not modify it.
func (s *Session) Image() *qvm.Image { return s.img }

// Symbols returns the merged namespace.
func (s *Session) Symbols() link.Namespace { return s.symbols }

// OriginalCRC returns the CRC-32 of the bytes the session was opened with.
func (s *Session) OriginalCRC() uint32 { return s.origCRC }

// CallSites returns the direct calls present in the original code.
func (s *Session) CallSites() []link.CallSite { return s.calls }

// Regions returns the initialized memory added so far.
func (s *Session) Regions() []qvm.Region { return s.regions }

func (s *Session) label() string {
	if s.name == "" {
		return "image"
	}
	return s.name
}

func (s *Session) transition(to State) {
	if s.state == StateWritten {
		logger().Warningf("session %s: modified after being written", s.id)
		return
	}
	if s.state != to {
		logger().Debugf("session %s: %s -> %s", s.id, s.state, to)
		s.state = to
	}
}

// ---------------------------------------------------------------------------
// Injection
// ---------------------------------------------------------------------------

// Inject links units into the image. On failure nothing changes.
func (s *Session) Inject(units ...*asm.Unit) error {
	res, err := link.Link(s.img, units, s.symbols)
	if err != nil {
		return err
	}
	s.commit(res)
	for i, p := range res.Layout.Units {
		logger().Infof("session %s: injected %s: %d instructions at %#x, data %#x, lit %#x, bss %#x",
			s.id, p.Unit, len(units[i].Code), p.Code, p.Data, p.Lit, p.BSS)
	}
	s.transition(StateCodeAdded)
	return nil
}

// InjectAndLink ingests one unit of compiler output and links it.
func (s *Session) InjectAndLink(name string, asmOutput []byte) error {
	u, err := asm.Ingest(name, asmOutput)
	if err != nil {
		return err
	}
	return s.Inject(u)
}

func (s *Session) commit(res *link.Result) {
	s.img = res.Image
	s.symbols = res.Symbols
	s.regions = append(s.regions, res.Memory.Regions()...)
}

// AddCode appends raw instructions and returns the index of the first.
func (s *Session) AddCode(code []qvm.Instruction) (uint32, error) {
	u := asm.NewUnit("code")
	u.Code = code
	p, err := s.addUnit(u)
	return p.Code, err
}

// AddData places whole words of initialized data and returns their address.
func (s *Session) AddData(data []byte, alignment uint32) (uint32, error) {
	if len(data)%4 != 0 {
		return 0, fmt.Errorf("data of %d bytes is not a whole number of words", len(data))
	}
	u := asm.NewUnit("data")
	u.Data = data
	u.DataAlign = alignment
	p, err := s.addUnit(u)
	return p.Data, err
}

// AddLit places bytes that are never byte-swapped, such as strings.
func (s *Session) AddLit(data []byte, alignment uint32) (uint32, error) {
	u := asm.NewUnit("lit")
	u.Lit = data
	u.LitAlign = alignment
	p, err := s.addUnit(u)
	return p.Lit, err
}

// AddBSS reserves zeroed memory and returns its address.
func (s *Session) AddBSS(size, alignment uint32) (uint32, error) {
	img, base, err := link.GrowBSS(s.img, size, alignment)
	if err != nil {
		return 0, err
	}
	s.img = img
	s.transition(StateCodeAdded)
	return base, nil
}

func (s *Session) addUnit(u *asm.Unit) (link.Placement, error) {
	res, err := link.Link(s.img, []*asm.Unit{u}, s.symbols)
	if err != nil {
		return link.Placement{}, err
	}
	s.commit(res)
	s.transition(StateCodeAdded)
	return res.Layout.Units[0], nil
}

// ---------------------------------------------------------------------------
// Call replacement
// ---------------------------------------------------------------------------

// Lookup resolves a target to a code address.
func (s *Session) Lookup(t Target) (uint32, error) {
	if t.Name == "" {
		return t.Addr, nil
	}
	sym, ok := s.symbols.Lookup(t.Name)
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownSymbol, t.Name)
	}
	return sym.Addr, nil
}

// ReplaceCalls redirects calls to old in the original code so they call
// repl, and returns the number rewritten.
func (s *Session) ReplaceCalls(old, repl Target) (int, error) {
	oldAddr, err := s.Lookup(old)
	if err != nil {
		return 0, err
	}
	newAddr, err := s.Lookup(repl)
	if err != nil {
		return 0, err
	}

	n, err := link.ReplaceCalls(s.img, s.origCodeLen, oldAddr, newAddr)
	if err != nil {
		return 0, fmt.Errorf("replace %s: %w", old, err)
	}
	s.patches = append(s.patches, linkmap.Patch{
		Old:     old.String(),
		OldAddr: oldAddr,
		New:     repl.String(),
		NewAddr: newAddr,
		Count:   n,
	})
	logger().Infof("session %s: redirected %d calls from %s (%#x) to %s (%#x)",
		s.id, n, old, oldAddr, repl, newAddr)
	s.transition(StatePatched)
	return n, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// Serialize encodes the patched image. Data and literals placed above the
// original bss are initialized by a wrapper around the first call to the
// module's init function. The session's image is left as it was, so
// Serialize may be called again after further changes.
func (s *Session) Serialize() ([]byte, error) {
	out := s.img.Clone()
	if err := s.installInit(out); err != nil {
		return nil, err
	}

	data, err := qvm.Encode(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	if s.forgeCRC {
		if len(out.Data) == 0 {
			return nil, errors.New("cannot forge CRC: image has no data segment")
		}
		// Address 0 is the null pointer and never read.
		if err := qvm.ForgeCRC32(data, int(out.Header().DataOffset), s.origCRC); err != nil {
			return nil, fmt.Errorf("failed to forge CRC: %w", err)
		}
	}

	logger().Infof("session %s: wrote %d bytes, %d instructions, crc %08x",
		s.id, len(data), len(out.Code), qvm.Checksum(data))
	s.transition(StateWritten)
	return data, nil
}

// LinkMap describes the session for reuse by later sessions. outputCRC is
// the checksum of the serialized image.
func (s *Session) LinkMap(outputCRC uint32) *linkmap.Map {
	m := &linkmap.Map{
		Version:     linkmap.Version,
		SessionID:   s.id,
		Input:       s.name,
		OriginalCRC: s.origCRC,
		OutputCRC:   outputCRC,
		Patches:     append([]linkmap.Patch(nil), s.patches...),
	}
	for _, name := range s.symbols.Names() {
		sym := s.symbols[name]
		m.Symbols = append(m.Symbols, linkmap.Entry{Name: name, Addr: sym.Addr, Unit: sym.Origin})
	}
	return m
}
