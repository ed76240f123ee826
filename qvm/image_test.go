package qvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// testImageBuilder assembles raw .qvm bytes field by field so tests can
// produce headers the encoder never would.
type testImageBuilder struct {
	buf bytes.Buffer
}

func (b *testImageBuilder) writeUint32(v uint32) *testImageBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *testImageBuilder) writeBytes(data ...byte) *testImageBuilder {
	b.buf.Write(data)
	return b
}

func (b *testImageBuilder) header(count, codeOff, codeLen, dataOff, dataLen, litLen, bss uint32) *testImageBuilder {
	return b.writeUint32(Magic).writeUint32(count).writeUint32(codeOff).writeUint32(codeLen).
		writeUint32(dataOff).writeUint32(dataLen).writeUint32(litLen).writeUint32(bss)
}

func (b *testImageBuilder) bytes() []byte {
	return b.buf.Bytes()
}

// sampleImage is a tiny program: one procedure that calls 0x2b7 and a
// syscall, with some data and a string literal.
func sampleImage() *Image {
	return &Image{
		Magic: Magic,
		Code: []Instruction{
			Ins(OpEnter, 0x10),
			Ins(OpLocal, 0x18),
			Ins(OpLoad4),
			Ins(OpArg, 0x8),
			Ins(OpConst, 0x2b7),
			Ins(OpCall),
			Ins(OpConst, 0xffffffff),
			Ins(OpCall),
			Ins(OpPop),
			Ins(OpLeave, 0x10),
		},
		Data: []uint32{0, 0xdeadbeef, 42},
		Lit:  []byte("hello\x00"),
		BSS:  StackSize + 0x100,
	}
}

// ---------------------------------------------------------------------------
// Opcode Tests
// ---------------------------------------------------------------------------

func TestOperandSizes(t *testing.T) {
	tests := []struct {
		op   Opcode
		size int
	}{
		{OpUndef, 0},
		{OpEnter, 4},
		{OpLeave, 4},
		{OpCall, 0},
		{OpConst, 4},
		{OpLocal, 4},
		{OpJump, 0},
		{OpEq, 4},
		{OpGef, 4},
		{OpLoad4, 0},
		{OpArg, 1},
		{OpBlockCopy, 4},
		{OpCvfi, 0},
		{Opcode(60), 0},
	}
	for _, tt := range tests {
		if got := tt.op.OperandSize(); got != tt.size {
			t.Errorf("%s.OperandSize() = %d, want %d", tt.op, got, tt.size)
		}
	}
}

func TestOpcodeNames(t *testing.T) {
	for op := Opcode(0); op < OpcodeCount; op++ {
		got, ok := LookupOpcode(op.String())
		if !ok || got != op {
			t.Errorf("LookupOpcode(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if OpBlockCopy.String() != "BLOCK_COPY" {
		t.Errorf("OpBlockCopy.String() = %q", OpBlockCopy.String())
	}
	if _, ok := LookupOpcode("NOPE"); ok {
		t.Error("LookupOpcode accepted an unknown mnemonic")
	}
}

func TestInstructionValidate(t *testing.T) {
	if err := Ins(OpArg, 0xff).Validate(); err != nil {
		t.Errorf("ARG 0xff: %v", err)
	}
	if err := Ins(OpArg, 0x100).Validate(); !errors.Is(err, ErrSegmentOverflow) {
		t.Errorf("ARG 0x100: got %v, want ErrSegmentOverflow", err)
	}
	if err := Ins(OpCall, 1).Validate(); err == nil {
		t.Error("CALL with operand should not validate")
	}
}

// ---------------------------------------------------------------------------
// Codec Tests
// ---------------------------------------------------------------------------

func TestRoundTrip(t *testing.T) {
	v2 := sampleImage()
	v2.Magic = MagicVer2
	v2.JumpTargets = []uint32{0, 4, 9}

	for name, img := range map[string]*Image{
		"v1":    sampleImage(),
		"v2":    v2,
		"empty": NewImage(),
	} {
		t.Run(name, func(t *testing.T) {
			data, err := Encode(img)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := DecodeWithOptions(data, DecodeOptions{Strict: true})
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !got.Equal(img) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, img)
			}
			again, err := Encode(got)
			if err != nil {
				t.Fatalf("second Encode failed: %v", err)
			}
			if !bytes.Equal(again, data) {
				t.Error("re-encoding changed the bytes")
			}
		})
	}
}

func TestEncodeHeader(t *testing.T) {
	img := sampleImage()
	data, err := Encode(img)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, err := ReadHeader(data)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}

	codeLen := img.CodeLength()
	if h.InstructionCount != uint32(len(img.Code)) {
		t.Errorf("InstructionCount = %d, want %d", h.InstructionCount, len(img.Code))
	}
	if h.CodeOffset != HeaderSize {
		t.Errorf("CodeOffset = %d, want %d", h.CodeOffset, HeaderSize)
	}
	if h.CodeLength%4 != 0 || h.CodeLength < codeLen || h.CodeLength-codeLen >= 4 {
		t.Errorf("CodeLength = %d for %d code bytes", h.CodeLength, codeLen)
	}
	if h.DataOffset != h.CodeOffset+h.CodeLength {
		t.Errorf("DataOffset = %d, want %d", h.DataOffset, h.CodeOffset+h.CodeLength)
	}
	if h.DataLength != 12 || h.LitLength != 6 || h.BSSLength != img.BSS {
		t.Errorf("lengths = %d/%d/%d", h.DataLength, h.LitLength, h.BSSLength)
	}
	if len(data) != int(h.DataOffset+h.DataLength+h.LitLength) {
		t.Errorf("file size = %d", len(data))
	}
}

func TestDecodeStripsPadding(t *testing.T) {
	// CONST 1; CALL, padded with two zero bytes that would decode as UNDEF.
	b := &testImageBuilder{}
	b.header(2, HeaderSize, 8, HeaderSize+8, 0, 0, 0)
	b.writeBytes(byte(OpConst), 1, 0, 0, 0, byte(OpCall), 0, 0)

	img, err := DecodeWithOptions(b.bytes(), DecodeOptions{Strict: true})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(img.Code) != 2 {
		t.Fatalf("len(Code) = %d, want 2", len(img.Code))
	}
	if img.Code[0] != Ins(OpConst, 1) || img.Code[1] != Ins(OpCall) {
		t.Errorf("Code = %v", img.Code)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(sampleImage())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	badOpcode := (&testImageBuilder{}).header(1, HeaderSize, 4, HeaderSize+4, 0, 0, 0).
		writeBytes(77, 0, 0, 0).bytes()
	shortOperand := (&testImageBuilder{}).header(1, HeaderSize, 2, HeaderSize+2, 0, 0, 0).
		writeBytes(byte(OpConst), 1).bytes()
	tooMany := (&testImageBuilder{}).header(3, HeaderSize, 4, HeaderSize+4, 0, 0, 0).
		writeBytes(byte(OpPush), byte(OpPop), byte(OpConst), 0).bytes()
	oddData := (&testImageBuilder{}).header(0, HeaderSize, 0, HeaderSize, 3, 0, 0).
		writeBytes(1, 2, 3).bytes()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"bad magic", []byte("XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX"), ErrBadMagic},
		{"short header", valid[:20], ErrTruncated},
		{"code past end", valid[:HeaderSize+4], ErrTruncated},
		{"data past end", valid[:len(valid)-1], ErrTruncated},
		{"bad opcode", badOpcode, ErrBadOpcode},
		{"operand past segment", shortOperand, ErrTruncated},
		{"instruction count too large", tooMany, ErrTruncated},
		{"partial data word", oddData, ErrInconsistentOffsets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode error = %v, want %v", err, tt.want)
			}
			var ie *ImageError
			if !errors.As(err, &ie) {
				t.Errorf("error %T is not an *ImageError", err)
			}
		})
	}
}

func TestDecodeBadOpcodeOffset(t *testing.T) {
	data := (&testImageBuilder{}).header(2, HeaderSize, 4, HeaderSize+4, 0, 0, 0).
		writeBytes(byte(OpPush), 200, 0, 0).bytes()
	_, err := Decode(data)
	var ie *ImageError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *ImageError, got %v", err)
	}
	if ie.Offset != HeaderSize+1 {
		t.Errorf("Offset = %#x, want %#x", ie.Offset, HeaderSize+1)
	}
}

func TestDecodeStrictOffsets(t *testing.T) {
	// A gap between code and data is tolerated leniently but not strictly.
	b := &testImageBuilder{}
	b.header(1, HeaderSize, 4, HeaderSize+8, 4, 0, 0)
	b.writeBytes(byte(OpPush), 0, 0, 0)
	b.writeBytes(0, 0, 0, 0)
	b.writeUint32(7)

	img, err := Decode(b.bytes())
	if err != nil {
		t.Fatalf("lenient Decode failed: %v", err)
	}
	if len(img.Data) != 1 || img.Data[0] != 7 {
		t.Errorf("Data = %v, want [7]", img.Data)
	}

	_, err = DecodeWithOptions(b.bytes(), DecodeOptions{Strict: true})
	if !errors.Is(err, ErrInconsistentOffsets) {
		t.Errorf("strict Decode error = %v, want ErrInconsistentOffsets", err)
	}
}

func TestEncodeRejectsWideArg(t *testing.T) {
	img := NewImage()
	img.Code = []Instruction{Ins(OpArg, 0x1000)}
	if _, err := Encode(img); !errors.Is(err, ErrSegmentOverflow) {
		t.Errorf("Encode error = %v, want ErrSegmentOverflow", err)
	}
}

// ---------------------------------------------------------------------------
// Address Space Tests
// ---------------------------------------------------------------------------

func TestCodeLayout(t *testing.T) {
	img := sampleImage()
	l := NewCodeLayout(img.Code)

	if l.Len() != len(img.Code) {
		t.Fatalf("Len = %d, want %d", l.Len(), len(img.Code))
	}
	// ENTER(5) LOCAL(5) LOAD4(1) ARG(2) CONST(5)
	wantOffsets := []uint32{0, 5, 10, 11, 13, 18}
	for i, want := range wantOffsets {
		got, ok := l.ByteOffset(i)
		if !ok || got != want {
			t.Errorf("ByteOffset(%d) = %d, %v; want %d", i, got, ok, want)
		}
		idx, ok := l.InstructionAt(want)
		if !ok || idx != i {
			t.Errorf("InstructionAt(%d) = %d, %v; want %d", want, idx, ok, i)
		}
	}
	if _, ok := l.InstructionAt(1); ok {
		t.Error("InstructionAt inside an operand should fail")
	}
	end, _ := l.ByteOffset(l.Len())
	if end != img.CodeLength() {
		t.Errorf("end offset = %d, want %d", end, img.CodeLength())
	}
	if _, ok := l.InstructionAt(end); ok {
		t.Error("InstructionAt(end) should fail")
	}
}

func TestMemoryAddressing(t *testing.T) {
	img := sampleImage()
	if img.BSSBase() != 18 {
		t.Errorf("BSSBase = %d, want 18", img.BSSBase())
	}
	if img.MemoryEnd() != 18+0x100 {
		t.Errorf("MemoryEnd = %#x, want %#x", img.MemoryEnd(), 18+0x100)
	}
	tests := []struct {
		addr uint32
		seg  Segment
		ok   bool
	}{
		{0, SegData, true},
		{11, SegData, true},
		{12, SegLit, true},
		{17, SegLit, true},
		{18, SegBSS, true},
		{img.MemorySize() - 1, SegBSS, true},
		{img.MemorySize(), 0, false},
	}
	for _, tt := range tests {
		seg, ok := img.SegmentOf(tt.addr)
		if seg != tt.seg || ok != tt.ok {
			t.Errorf("SegmentOf(%#x) = %v, %v; want %v, %v", tt.addr, seg, ok, tt.seg, tt.ok)
		}
	}

	small := NewImage()
	small.BSS = 0x20
	if small.MemoryEnd() != 0 {
		t.Errorf("MemoryEnd with bss smaller than the stack = %d, want 0", small.MemoryEnd())
	}
}

func TestCloneIsDeep(t *testing.T) {
	img := sampleImage()
	c := img.Clone()
	c.Code[0].Operand = 99
	c.Data[0] = 99
	c.Lit[0] = 'j'
	if img.Code[0].Operand == 99 || img.Data[0] == 99 || img.Lit[0] == 'j' {
		t.Error("Clone shares backing arrays with the original")
	}
	if img.Equal(c) {
		t.Error("Equal ignored modified segments")
	}
}

// ---------------------------------------------------------------------------
// Disassembly Tests
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	out := Disassemble(sampleImage(), map[uint32]string{0: "vmMain", 0x2b7: "G_InitGame"})
	for _, want := range []string{
		"vmMain:",
		"ENTER",
		"; call G_InitGame",
		"; syscall -1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}
