package patcher

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/chazu/quatch/qvm"
)

// Frame of the init wrapper. The three init arguments sit just above it.
const initFrame = 0x100

// initStores returns instructions writing every non-zero initialized byte
// of regions: data as words, literals byte by byte.
func initStores(regions []qvm.Region) []qvm.Instruction {
	var code []qvm.Instruction
	for _, r := range regions {
		if r.Tag != qvm.RegionData {
			continue
		}
		for off := 0; off+4 <= len(r.Contents); off += 4 {
			if v := binary.LittleEndian.Uint32(r.Contents[off:]); v != 0 {
				code = append(code,
					qvm.Ins(qvm.OpConst, r.Begin+uint32(off)),
					qvm.Ins(qvm.OpConst, v),
					qvm.Ins(qvm.OpStore4),
				)
			}
		}
	}
	for _, r := range regions {
		if r.Tag != qvm.RegionLit {
			continue
		}
		for off, b := range r.Contents {
			if b != 0 {
				code = append(code,
					qvm.Ins(qvm.OpConst, r.Begin+uint32(off)),
					qvm.Ins(qvm.OpConst, uint32(b)),
					qvm.Ins(qvm.OpStore1),
				)
			}
		}
	}
	return code
}

// installInit appends a procedure to img that initializes the session's
// memory and then forwards to whatever the first call site of the init
// function currently calls, and points that call site at it.
func (s *Session) installInit(img *qvm.Image) error {
	stores := initStores(s.regions)
	if len(stores) == 0 {
		return nil
	}

	var name string
	var addr uint32
	for _, n := range s.initSymbols {
		if sym, ok := s.symbols.Lookup(n); ok {
			name, addr = n, sym.Addr
			break
		}
	}
	if name == "" {
		return fmt.Errorf("%w: none of %s is defined", ErrInitSymbol, strings.Join(s.initSymbols, ", "))
	}

	site := -1
	for _, c := range s.calls {
		if c.Target == addr {
			site = c.Index
			break
		}
	}
	if site < 0 {
		return fmt.Errorf("%w: %s is never called", ErrInitSymbol, name)
	}

	// The first call site may already have been redirected to a hook.
	current := img.Code[site].Operand
	wrapper := uint32(len(img.Code))

	img.Code = append(img.Code, qvm.Ins(qvm.OpEnter, initFrame))
	img.Code = append(img.Code, stores...)
	img.Code = append(img.Code,
		qvm.Ins(qvm.OpLocal, initFrame+0x08),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 0x08),
		qvm.Ins(qvm.OpLocal, initFrame+0x0c),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 0x0c),
		qvm.Ins(qvm.OpLocal, initFrame+0x10),
		qvm.Ins(qvm.OpLoad4),
		qvm.Ins(qvm.OpArg, 0x10),
		qvm.Ins(qvm.OpConst, current),
		qvm.Ins(qvm.OpCall),
		qvm.Ins(qvm.OpLeave, initFrame),
		// Unreachable epilogue; some engines expect every procedure to end this way.
		qvm.Ins(qvm.OpPush),
		qvm.Ins(qvm.OpLeave, initFrame),
	)
	img.Code[site].Operand = wrapper
	if img.Magic == qvm.MagicVer2 {
		img.JumpTargets = append(img.JumpTargets, wrapper)
	}

	logger().Debugf("session %s: init wrapper at %#x hooks %s call at %d, forwards to %#x",
		s.id, wrapper, name, site, current)
	return nil
}
