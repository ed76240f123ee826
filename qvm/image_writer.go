package qvm

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Encode serializes img. Every header field is recomputed from the
// segments; code is zero-padded to a multiple of four bytes.
func Encode(img *Image) ([]byte, error) {
	if img.Magic != Magic && img.Magic != MagicVer2 {
		return nil, imageErrorf(ErrBadMagic, 0, "image has magic %#08x", img.Magic)
	}
	off := headerSize(img.Magic)
	for i, in := range img.Code {
		if err := in.Validate(); err != nil {
			return nil, imageErrorf(ErrSegmentOverflow, off, "instruction %d: %v", i, err)
		}
		off += in.Size()
	}

	h := img.Header()
	size := int(h.DataOffset) + int(h.DataLength) + int(h.LitLength) + int(h.JumpTableLength)
	buf := bytes.NewBuffer(make([]byte, 0, size))

	w := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}

	// Header
	w(h.Magic)
	w(h.InstructionCount)
	w(h.CodeOffset)
	w(h.CodeLength)
	w(h.DataOffset)
	w(h.DataLength)
	w(h.LitLength)
	w(h.BSSLength)
	if h.Magic == MagicVer2 {
		w(h.JumpTableLength)
	}

	// Code
	for _, in := range img.Code {
		buf.WriteByte(byte(in.Op))
		switch in.Op.OperandSize() {
		case 1:
			buf.WriteByte(byte(in.Operand))
		case 4:
			w(in.Operand)
		}
	}
	for buf.Len() < int(h.DataOffset) {
		buf.WriteByte(0)
	}

	// Data and lit
	for _, word := range img.Data {
		w(word)
	}
	buf.Write(img.Lit)

	if h.Magic == MagicVer2 {
		for _, t := range img.JumpTargets {
			w(t)
		}
	}

	return buf.Bytes(), nil
}

// WriteImage encodes img to w.
func WriteImage(w io.Writer, img *Image) error {
	data, err := Encode(img)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
