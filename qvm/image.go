package qvm

import (
	"fmt"
	"slices"
	"sort"
)

// ---------------------------------------------------------------------------
// Image Format Constants
// ---------------------------------------------------------------------------

// Magic identifies a version 1 .qvm image.
const Magic uint32 = 0x12721444

// MagicVer2 identifies a version 2 .qvm image, which appends a jump target
// table after the literal segment.
const MagicVer2 uint32 = 0x12721445

// Header sizes in bytes: eight uint32 fields, plus the jump table length for v2.
const (
	HeaderSize     = 32
	HeaderSizeVer2 = 36
)

// StackSize is the program stack the toolchain reserves at the top of bss.
// Memory added by the linker is placed below it.
const StackSize uint32 = 0x10000

// Segment names a logical region of an image or a compiled unit.
type Segment uint8

const (
	SegCode Segment = iota
	SegData
	SegLit
	SegBSS
	// SegAbs marks values that are not addresses (equ constants).
	SegAbs
)

func (s Segment) String() string {
	switch s {
	case SegCode:
		return "code"
	case SegData:
		return "data"
	case SegLit:
		return "lit"
	case SegBSS:
		return "bss"
	case SegAbs:
		return "abs"
	default:
		return fmt.Sprintf("Segment(%d)", s)
	}
}

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

// Header mirrors the on-disk header. It is derived from an Image with
// Image.Header and never stored on the image itself.
type Header struct {
	Magic            uint32
	InstructionCount uint32
	CodeOffset       uint32
	CodeLength       uint32
	DataOffset       uint32
	DataLength       uint32
	LitLength        uint32
	BSSLength        uint32
	JumpTableLength  uint32 // v2 only
}

// Size returns the header size for the header's magic.
func (h Header) Size() int {
	return headerSize(h.Magic)
}

func headerSize(magic uint32) int {
	if magic == MagicVer2 {
		return HeaderSizeVer2
	}
	return HeaderSize
}

// ---------------------------------------------------------------------------
// Image
// ---------------------------------------------------------------------------

// Image is the in-memory model of a .qvm file.
//
// VM memory is laid out as data words, then literal bytes, then bss; the
// last StackSize bytes of bss hold the program stack. Only Data and Lit
// are stored in the file.
type Image struct {
	Magic       uint32
	Code        []Instruction
	Data        []uint32
	Lit         []byte
	BSS         uint32
	JumpTargets []uint32
}

// NewImage returns an empty version 1 image with a reserved stack.
func NewImage() *Image {
	return &Image{Magic: Magic, BSS: StackSize}
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	return &Image{
		Magic:       img.Magic,
		Code:        slices.Clone(img.Code),
		Data:        slices.Clone(img.Data),
		Lit:         slices.Clone(img.Lit),
		BSS:         img.BSS,
		JumpTargets: slices.Clone(img.JumpTargets),
	}
}

// Equal reports whether two images have identical segments.
func (img *Image) Equal(other *Image) bool {
	if img == nil || other == nil {
		return img == other
	}
	return img.Magic == other.Magic &&
		img.BSS == other.BSS &&
		slices.Equal(img.Code, other.Code) &&
		slices.Equal(img.Data, other.Data) &&
		slices.Equal(img.Lit, other.Lit) &&
		slices.Equal(img.JumpTargets, other.JumpTargets)
}

// CodeLength returns the unpadded size of the code segment in bytes.
func (img *Image) CodeLength() uint32 {
	var n uint32
	for _, in := range img.Code {
		n += uint32(in.Size())
	}
	return n
}

// DataLength returns the data segment size in bytes.
func (img *Image) DataLength() uint32 {
	return uint32(len(img.Data)) * 4
}

// LitLength returns the literal segment size in bytes.
func (img *Image) LitLength() uint32 {
	return uint32(len(img.Lit))
}

// BSSBase returns the address of the first bss byte.
func (img *Image) BSSBase() uint32 {
	return img.DataLength() + img.LitLength()
}

// StackReserve returns how much of bss is the program stack.
func (img *Image) StackReserve() uint32 {
	return min(img.BSS, StackSize)
}

// MemoryEnd returns the first address above all used memory, excluding the
// stack reserve. New memory is placed here.
func (img *Image) MemoryEnd() uint32 {
	return img.BSSBase() + img.BSS - img.StackReserve()
}

// MemorySize returns the total VM memory size described by the image.
func (img *Image) MemorySize() uint32 {
	return img.BSSBase() + img.BSS
}

// SegmentOf returns the segment a memory address falls in. Addresses at or
// beyond MemorySize report false.
func (img *Image) SegmentOf(addr uint32) (Segment, bool) {
	switch {
	case addr < img.DataLength():
		return SegData, true
	case addr < img.BSSBase():
		return SegLit, true
	case addr < img.MemorySize():
		return SegBSS, true
	default:
		return 0, false
	}
}

// Header computes the on-disk header from the current segment sizes.
func (img *Image) Header() Header {
	codeLength := align(img.CodeLength(), 4)
	h := Header{
		Magic:            img.Magic,
		InstructionCount: uint32(len(img.Code)),
		CodeOffset:       uint32(headerSize(img.Magic)),
		CodeLength:       codeLength,
		DataLength:       img.DataLength(),
		LitLength:        img.LitLength(),
		BSSLength:        img.BSS,
	}
	h.DataOffset = h.CodeOffset + codeLength
	if img.Magic == MagicVer2 {
		h.JumpTableLength = uint32(len(img.JumpTargets)) * 4
	}
	return h
}

// ---------------------------------------------------------------------------
// Code address space
// ---------------------------------------------------------------------------

// CodeLayout converts between instruction indices and byte offsets into
// the code segment.
type CodeLayout struct {
	offsets []uint32 // offsets[i] is the byte offset of instruction i; last entry is the end
}

// NewCodeLayout builds the prefix table for code.
func NewCodeLayout(code []Instruction) *CodeLayout {
	offsets := make([]uint32, len(code)+1)
	for i, in := range code {
		offsets[i+1] = offsets[i] + uint32(in.Size())
	}
	return &CodeLayout{offsets: offsets}
}

// Len returns the number of instructions.
func (l *CodeLayout) Len() int {
	return len(l.offsets) - 1
}

// ByteOffset returns the byte offset of instruction index. The index equal
// to Len maps to the end of the segment.
func (l *CodeLayout) ByteOffset(index int) (uint32, bool) {
	if index < 0 || index >= len(l.offsets) {
		return 0, false
	}
	return l.offsets[index], true
}

// InstructionAt returns the index of the instruction starting at offset.
// Offsets inside an operand report false.
func (l *CodeLayout) InstructionAt(offset uint32) (int, bool) {
	i := sort.Search(len(l.offsets)-1, func(i int) bool { return l.offsets[i] >= offset })
	if i >= len(l.offsets)-1 || l.offsets[i] != offset {
		return 0, false
	}
	return i, true
}

func align(n, alignment uint32) uint32 {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}
