package qvm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DecodeOptions controls how strictly stored header fields are checked.
type DecodeOptions struct {
	// Strict rejects images whose stored offsets or lengths disagree with
	// the values recomputed from the decoded segments.
	Strict bool
}

// ReadImage reads a whole image from r.
func ReadImage(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return Decode(data)
}

// Decode parses a .qvm file leniently.
func Decode(data []byte) (*Image, error) {
	return DecodeWithOptions(data, DecodeOptions{})
}

// DecodeWithOptions parses a .qvm file.
func DecodeWithOptions(data []byte, opts DecodeOptions) (*Image, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	img := &Image{Magic: h.Magic, BSS: h.BSSLength}

	if int(h.CodeOffset) < h.Size() {
		return nil, imageErrorf(ErrInconsistentOffsets, 8,
			"code offset %#x overlaps the %d byte header", h.CodeOffset, h.Size())
	}
	codeEnd := uint64(h.CodeOffset) + uint64(h.CodeLength)
	if codeEnd > uint64(len(data)) {
		return nil, imageErrorf(ErrTruncated, int(h.CodeOffset),
			"code segment [%#x, %#x) outside %d byte file", h.CodeOffset, codeEnd, len(data))
	}
	code, used, err := decodeCode(data[h.CodeOffset:codeEnd], int(h.CodeOffset), h.InstructionCount)
	if err != nil {
		return nil, err
	}
	img.Code = code

	if h.DataLength%4 != 0 {
		return nil, imageErrorf(ErrInconsistentOffsets, 20,
			"data length %d is not a whole number of words", h.DataLength)
	}
	memEnd := uint64(h.DataOffset) + uint64(h.DataLength) + uint64(h.LitLength)
	if memEnd > uint64(len(data)) {
		return nil, imageErrorf(ErrTruncated, int(h.DataOffset),
			"data and lit segments [%#x, %#x) outside %d byte file", h.DataOffset, memEnd, len(data))
	}
	img.Data = make([]uint32, h.DataLength/4)
	for i := range img.Data {
		img.Data[i] = binary.LittleEndian.Uint32(data[int(h.DataOffset)+i*4:])
	}
	litStart := int(h.DataOffset + h.DataLength)
	img.Lit = append([]byte(nil), data[litStart:litStart+int(h.LitLength)]...)

	if h.Magic == MagicVer2 {
		if h.JumpTableLength%4 != 0 {
			return nil, imageErrorf(ErrInconsistentOffsets, 32,
				"jump table length %d is not a whole number of words", h.JumpTableLength)
		}
		jtEnd := memEnd + uint64(h.JumpTableLength)
		if jtEnd > uint64(len(data)) {
			return nil, imageErrorf(ErrTruncated, int(memEnd),
				"jump table [%#x, %#x) outside %d byte file", memEnd, jtEnd, len(data))
		}
		img.JumpTargets = make([]uint32, h.JumpTableLength/4)
		for i := range img.JumpTargets {
			img.JumpTargets[i] = binary.LittleEndian.Uint32(data[int(memEnd)+i*4:])
		}
	}

	if opts.Strict {
		if err := checkOffsets(h, img.Header(), used); err != nil {
			return nil, err
		}
	}

	return img, nil
}

// ReadHeader parses and validates the fixed header.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < 4 {
		return Header{}, imageErrorf(ErrTruncated, 0, "file is %d bytes", len(data))
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(data)
	if h.Magic != Magic && h.Magic != MagicVer2 {
		return Header{}, imageErrorf(ErrBadMagic, 0, "got %#08x, want %#08x", h.Magic, Magic)
	}
	if len(data) < h.Size() {
		return Header{}, imageErrorf(ErrTruncated, len(data),
			"header needs %d bytes, file is %d", h.Size(), len(data))
	}

	fields := []*uint32{
		&h.InstructionCount, &h.CodeOffset, &h.CodeLength, &h.DataOffset,
		&h.DataLength, &h.LitLength, &h.BSSLength,
	}
	if h.Magic == MagicVer2 {
		fields = append(fields, &h.JumpTableLength)
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint32(data[4+i*4:])
	}
	return h, nil
}

// decodeCode decodes count instructions from seg. base is seg's offset in
// the file, used for error reporting. It returns the bytes consumed; the
// remainder of seg is alignment padding.
func decodeCode(seg []byte, base int, count uint32) ([]Instruction, int, error) {
	if uint64(count) > uint64(len(seg)) {
		return nil, 0, imageErrorf(ErrTruncated, base,
			"%d instructions cannot fit in %d code bytes", count, len(seg))
	}
	code := make([]Instruction, 0, count)
	pos := 0
	for uint32(len(code)) < count {
		if pos >= len(seg) {
			return nil, 0, imageErrorf(ErrTruncated, base+pos,
				"code ends after %d of %d instructions", len(code), count)
		}
		op := Opcode(seg[pos])
		if !op.Valid() {
			return nil, 0, imageErrorf(ErrBadOpcode, base+pos,
				"byte %#02x at instruction %d", seg[pos], len(code))
		}
		size := op.OperandSize()
		if pos+1+size > len(seg) {
			return nil, 0, imageErrorf(ErrTruncated, base+pos,
				"%s operand runs past the code segment", op)
		}
		in := Instruction{Op: op}
		switch size {
		case 1:
			in.Operand = uint32(seg[pos+1])
		case 4:
			in.Operand = binary.LittleEndian.Uint32(seg[pos+1:])
		}
		code = append(code, in)
		pos += 1 + size
	}
	return code, pos, nil
}

func checkOffsets(stored, computed Header, used int) error {
	check := func(name string, offset int, got, want uint32) error {
		if got != want {
			return imageErrorf(ErrInconsistentOffsets, offset, "%s is %#x, expected %#x", name, got, want)
		}
		return nil
	}
	if err := check("code offset", 8, stored.CodeOffset, computed.CodeOffset); err != nil {
		return err
	}
	if err := check("code length", 12, stored.CodeLength, align(uint32(used), 4)); err != nil {
		return err
	}
	return check("data offset", 16, stored.DataOffset, stored.CodeOffset+stored.CodeLength)
}
