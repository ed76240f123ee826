package qvm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of img. names maps code
// addresses (instruction indices) to function names and is used to label
// procedures and annotate direct calls; it may be nil.
func Disassemble(img *Image, names map[uint32]string) string {
	var sb strings.Builder
	h := img.Header()

	// Header
	sb.WriteString(fmt.Sprintf("; magic %#08x", h.Magic))
	if h.Magic == MagicVer2 {
		sb.WriteString(" (v2)")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("; instructions %d, code %d bytes at %#x\n",
		h.InstructionCount, h.CodeLength, h.CodeOffset))
	sb.WriteString(fmt.Sprintf("; data %d bytes at %#x, lit %d bytes, bss %d bytes\n",
		h.DataLength, h.DataOffset, h.LitLength, h.BSSLength))
	if len(img.JumpTargets) > 0 {
		sb.WriteString(fmt.Sprintf("; jump targets %d\n", len(img.JumpTargets)))
	}
	sb.WriteString("\n")

	offset := uint32(0)
	for i, in := range img.Code {
		if name, ok := names[uint32(i)]; ok && in.Op == OpEnter {
			sb.WriteString(fmt.Sprintf("\n%s:\n", name))
		}
		sb.WriteString(fmt.Sprintf("%06x %6d  %-10s", offset, i, in.Op))
		if in.Op.HasOperand() {
			sb.WriteString(fmt.Sprintf(" %#x", in.Operand))
		}
		if target, ok := IsCallTo(img.Code, i); ok {
			if name, ok := names[target]; ok {
				sb.WriteString(fmt.Sprintf("  ; call %s", name))
			} else if int32(target) < 0 {
				sb.WriteString(fmt.Sprintf("  ; syscall %d", int32(target)))
			}
		}
		sb.WriteString("\n")
		offset += uint32(in.Size())
	}

	return sb.String()
}
