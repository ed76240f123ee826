package patcher

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/quatch/link"
	"github.com/chazu/quatch/qvm"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

const (
	gInitGame  = 0x2b7
	comPrintf  = 0x446
	initCallAt = 4 // index of CONST G_InitGame in testImageBytes
)

func testImage() *qvm.Image {
	img := qvm.NewImage()
	img.Code = []qvm.Instruction{
		qvm.Ins(qvm.OpEnter, 8),
		qvm.Ins(qvm.OpLocal, 0x10),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 8),
		qvm.Ins(qvm.OpConst, gInitGame),
		qvm.Ins(qvm.OpCall),
		qvm.Ins(qvm.OpPop),
		qvm.Ins(qvm.OpPush),
		qvm.Ins(qvm.OpLeave, 8),
	}
	img.Data = []uint32{0, 1, 2}
	img.Lit = []byte("ok\x00\x00")
	img.BSS = qvm.StackSize + 0x40
	return img
}

func testImageBytes(t *testing.T) []byte {
	t.Helper()
	data, err := qvm.Encode(testImage())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func testSymbols() map[string]uint32 {
	return map[string]uint32{"G_InitGame": gInitGame, "Com_Printf": comPrintf}
}

func openTest(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := Open(testImageBytes(t), testSymbols(), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

// hookAsm is lcc output for
//
//	void G_InitGame_hook(int levelTime, int randomSeed, int restart) {
//		Com_Printf("hi");
//		G_InitGame(levelTime, randomSeed, restart);
//	}
const hookAsm = `export G_InitGame_hook
code
proc G_InitGame_hook 0 12
ADDRGP4 $2
ARGP4
ADDRGP4 Com_Printf
CALLV
pop
ADDRFP4 0
INDIRI4
ARGI4
ADDRFP4 4
INDIRI4
ARGI4
ADDRFP4 8
INDIRI4
ARGI4
ADDRGP4 G_InitGame
CALLV
pop
LABELV $1
endproc G_InitGame_hook 0 12
import Com_Printf
import G_InitGame
lit
align 1
LABELV $2
byte 1 104
byte 1 105
byte 1 0
`

const hookLen = 20

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSessionHookInitGame(t *testing.T) {
	s := openTest(t, WithName("qagame.qvm"))
	if s.State() != StateLoaded {
		t.Errorf("State = %v, want loaded", s.State())
	}

	if err := s.InjectAndLink("hook", []byte(hookAsm)); err != nil {
		t.Fatalf("InjectAndLink failed: %v", err)
	}
	if s.State() != StateCodeAdded {
		t.Errorf("State = %v, want code-added", s.State())
	}
	hook, err := s.Lookup(ByName("G_InitGame_hook"))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if hook != 9 {
		t.Errorf("G_InitGame_hook = %d, want 9", hook)
	}

	n, err := s.ReplaceCalls(ByName("G_InitGame"), ByName("G_InitGame_hook"))
	if err != nil || n != 1 {
		t.Fatalf("ReplaceCalls = %d, %v", n, err)
	}
	if s.State() != StatePatched {
		t.Errorf("State = %v, want patched", s.State())
	}

	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if s.State() != StateWritten {
		t.Errorf("State = %v, want written", s.State())
	}
	out, err := qvm.DecodeWithOptions(data, qvm.DecodeOptions{Strict: true})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// The wrapper follows the hook and stores "hi" before forwarding.
	wrapper := uint32(9 + hookLen)
	lit := s.Regions()[0].Begin
	if out.Code[initCallAt].Operand != wrapper {
		t.Errorf("init call targets %#x, want wrapper %#x", out.Code[initCallAt].Operand, wrapper)
	}
	wantWrapper := []qvm.Instruction{
		qvm.Ins(qvm.OpEnter, 0x100),
		qvm.Ins(qvm.OpConst, lit),
		qvm.Ins(qvm.OpConst, 'h'),
		qvm.Ins(qvm.OpStore1),
		qvm.Ins(qvm.OpConst, lit+1),
		qvm.Ins(qvm.OpConst, 'i'),
		qvm.Ins(qvm.OpStore1),
		qvm.Ins(qvm.OpLocal, 0x108),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 0x8),
		qvm.Ins(qvm.OpLocal, 0x10c),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 0xc),
		qvm.Ins(qvm.OpLocal, 0x110),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 0x10),
		qvm.Ins(qvm.OpConst, hook),
		qvm.Ins(qvm.OpCall),
		qvm.Ins(qvm.OpLeave, 0x100),
		qvm.Ins(qvm.OpPush),
		qvm.Ins(qvm.OpLeave, 0x100),
	}
	if len(out.Code) != int(wrapper)+len(wantWrapper) {
		t.Fatalf("instruction count = %d, want %d", len(out.Code), int(wrapper)+len(wantWrapper))
	}
	for i, want := range wantWrapper {
		if got := out.Code[int(wrapper)+i]; got != want {
			t.Errorf("wrapper[%d] = %v, want %v", i, got, want)
		}
	}

	// The hook's own calls are untouched by the redirection.
	if got := out.Code[hook+15].Operand; got != gInitGame {
		t.Errorf("hook calls %#x, want G_InitGame", got)
	}
	if got := out.Code[hook+3].Operand; got != comPrintf {
		t.Errorf("hook prints via %#x, want Com_Printf", got)
	}
	if got := out.Code[hook+1].Operand; got != lit {
		t.Errorf("hook passes %#x, want string at %#x", got, lit)
	}
	if lit != testImage().MemoryEnd() {
		t.Errorf("string placed at %#x, want %#x", lit, testImage().MemoryEnd())
	}

	// The session's own image has no wrapper.
	if len(s.Image().Code) != int(wrapper) {
		t.Errorf("Serialize modified the session image")
	}
}

func TestSerializeIsRepeatable(t *testing.T) {
	s := openTest(t)
	if err := s.InjectAndLink("hook", []byte(hookAsm)); err != nil {
		t.Fatalf("InjectAndLink failed: %v", err)
	}
	first, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	second, err := s.Serialize()
	if err != nil {
		t.Fatalf("second Serialize failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Serialize output changed between calls")
	}
}

func TestSerializeWithoutNewData(t *testing.T) {
	s, err := Open(testImageBytes(t), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	idx, err := s.AddCode([]qvm.Instruction{qvm.Ins(qvm.OpEnter, 8), qvm.Ins(qvm.OpPush), qvm.Ins(qvm.OpLeave, 8)})
	if err != nil || idx != 9 {
		t.Fatalf("AddCode = %d, %v", idx, err)
	}
	bss, err := s.AddBSS(64, 4)
	if err != nil {
		t.Fatalf("AddBSS failed: %v", err)
	}
	if bss != testImage().MemoryEnd() {
		t.Errorf("bss at %#x, want %#x", bss, testImage().MemoryEnd())
	}

	// Nothing to initialize, so no init symbol is needed.
	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	out, err := qvm.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out.Code) != 12 {
		t.Errorf("instruction count = %d, want 12", len(out.Code))
	}
	if out.MemoryEnd() != bss+64 {
		t.Errorf("MemoryEnd = %#x, want %#x", out.MemoryEnd(), bss+64)
	}
}

func TestInitSymbolErrors(t *testing.T) {
	tests := []struct {
		name    string
		symbols map[string]uint32
		opts    []Option
	}{
		{"no init symbol", map[string]uint32{}, nil},
		{"init never called", map[string]uint32{"G_InitGame": 0x500}, nil},
		{"custom list", testSymbols(), []Option{WithInitSymbols("CG_Init")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(testImageBytes(t), tt.symbols, tt.opts...)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if _, err := s.AddLit([]byte("x"), 1); err != nil {
				t.Fatalf("AddLit failed: %v", err)
			}
			if _, err := s.Serialize(); !errors.Is(err, ErrInitSymbol) {
				t.Errorf("Serialize error = %v, want ErrInitSymbol", err)
			}
			if s.State() == StateWritten {
				t.Error("failed Serialize moved to written")
			}
		})
	}
}

func TestForgeCRC(t *testing.T) {
	s := openTest(t, WithForgeCRC())
	if err := s.InjectAndLink("hook", []byte(hookAsm)); err != nil {
		t.Fatalf("InjectAndLink failed: %v", err)
	}
	if _, err := s.ReplaceCalls(ByName("G_InitGame"), ByName("G_InitGame_hook")); err != nil {
		t.Fatalf("ReplaceCalls failed: %v", err)
	}
	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if got := qvm.Checksum(data); got != s.OriginalCRC() {
		t.Errorf("CRC = %08x, want %08x", got, s.OriginalCRC())
	}
	if _, err := qvm.Decode(data); err != nil {
		t.Errorf("forged image does not decode: %v", err)
	}
}

func TestFailuresLeaveSessionUntouched(t *testing.T) {
	s := openTest(t)
	before, err := qvm.Encode(s.Image())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if err := s.InjectAndLink("bad", []byte("code\nproc f 0 0\nADDRGP4 nowhere\nCALLV\nendproc f 0 0\n")); !errors.Is(err, link.ErrUndefinedSymbol) {
		t.Errorf("InjectAndLink error = %v, want ErrUndefinedSymbol", err)
	}
	if _, err := s.ReplaceCalls(ByName("nope"), ByAddr(1)); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("ReplaceCalls error = %v, want ErrUnknownSymbol", err)
	}
	if _, err := s.ReplaceCalls(ByName("Com_Printf"), ByAddr(1)); !errors.Is(err, link.ErrNoMatch) {
		t.Errorf("ReplaceCalls error = %v, want ErrNoMatch", err)
	}

	after, err := qvm.Encode(s.Image())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed operations modified the image")
	}
	if s.State() != StateLoaded {
		t.Errorf("State = %v, want loaded", s.State())
	}
	if _, ok := s.Symbols().Lookup("f"); ok {
		t.Error("failed injection leaked symbols")
	}
}

func TestRawAdditions(t *testing.T) {
	s := openTest(t)
	base := testImage().MemoryEnd()

	lit, err := s.AddLit([]byte("abc"), 1)
	if err != nil {
		t.Fatalf("AddLit failed: %v", err)
	}
	data, err := s.AddData([]byte{1, 0, 0, 0}, 4)
	if err != nil {
		t.Fatalf("AddData failed: %v", err)
	}
	if _, err := s.AddData([]byte{1, 2}, 4); err == nil {
		t.Error("AddData accepted a partial word")
	}

	if lit != base || data != base+4 {
		t.Errorf("lit = %#x, data = %#x; base %#x", lit, data, base)
	}
	if n := len(s.Regions()); n != 2 {
		t.Errorf("len(Regions) = %d, want 2", n)
	}
	if got := s.Image().MemoryEnd(); got != data+4 {
		t.Errorf("MemoryEnd = %#x, want %#x", got, data+4)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open([]byte("nope"), nil); !errors.Is(err, qvm.ErrBadMagic) {
		t.Errorf("Open error = %v, want ErrBadMagic", err)
	}

	// A gap between code and data is only rejected in strict mode.
	img := testImageBytes(t)
	h, _ := qvm.ReadHeader(img)
	raw := append([]byte(nil), img[:h.DataOffset]...)
	raw = append(raw, 0, 0, 0, 0)
	raw = append(raw, img[h.DataOffset:]...)
	raw[16] += 4 // data offset
	if _, err := Open(raw, nil); err != nil {
		t.Errorf("lenient Open failed: %v", err)
	}
	if _, err := Open(raw, nil, WithStrict()); !errors.Is(err, qvm.ErrInconsistentOffsets) {
		t.Errorf("strict Open error = %v, want ErrInconsistentOffsets", err)
	}
}

func TestLinkMap(t *testing.T) {
	s := openTest(t, WithName("qagame.qvm"))
	if err := s.InjectAndLink("hook", []byte(hookAsm)); err != nil {
		t.Fatalf("InjectAndLink failed: %v", err)
	}
	if _, err := s.ReplaceCalls(ByName("G_InitGame"), ByName("G_InitGame_hook")); err != nil {
		t.Fatalf("ReplaceCalls failed: %v", err)
	}

	m := s.LinkMap(0xabcd)
	if m.SessionID != s.ID() || m.Input != "qagame.qvm" || m.OutputCRC != 0xabcd {
		t.Errorf("header = %+v", m)
	}
	units := map[string]string{}
	for _, e := range m.Symbols {
		units[e.Name] = e.Unit
	}
	if units["G_InitGame_hook"] != "hook" || units["G_InitGame"] != "" {
		t.Errorf("symbol origins = %v", units)
	}
	if len(m.Patches) != 1 || m.Patches[0].Count != 1 || m.Patches[0].NewAddr != 9 {
		t.Errorf("Patches = %+v", m.Patches)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"G_InitGame", ByName("G_InitGame")},
		{"0x2b7", ByAddr(0x2b7)},
		{"695", ByAddr(695)},
		{"0xfffffffff", ByName("0xfffffffff")},
	}
	for _, tt := range tests {
		if got := ParseTarget(tt.in); got != tt.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	if ByAddr(0x2b7).String() != "0x2b7" {
		t.Errorf("String = %q", ByAddr(0x2b7).String())
	}
}
