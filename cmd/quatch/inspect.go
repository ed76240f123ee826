package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/BurntSushi/toml"

	"github.com/chazu/quatch/link"
	"github.com/chazu/quatch/linkmap"
	"github.com/chazu/quatch/qvm"
)

// loadImage reads and decodes an image file, returning its checksum too.
func loadImage(path string) (*qvm.Image, uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	img, err := qvm.Decode(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return img, qvm.Checksum(data), nil
}

// loadSymbolFile reads a link map (.map) or a TOML table of name = address.
func loadSymbolFile(path string) (map[string]uint32, error) {
	if filepath.Ext(path) == ".map" {
		m, err := linkmap.Load(path)
		if err != nil {
			return nil, err
		}
		return m.Addrs(), nil
	}
	var syms map[string]uint32
	if _, err := toml.DecodeFile(path, &syms); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return syms, nil
}

func byAddr(syms map[string]uint32) map[uint32]string {
	return link.NewNamespace(syms).ByAddr()
}

// imageArgs parses `[-symbols file] <image>`.
func imageArgs(cmd string, args []string) (string, map[string]uint32, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	symFile := fs.String("symbols", "", "Symbol file naming code addresses")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if fs.NArg() != 1 {
		return "", nil, fmt.Errorf("usage: quatch %s [-symbols file] <image>", cmd)
	}
	var syms map[string]uint32
	if *symFile != "" {
		var err error
		if syms, err = loadSymbolFile(*symFile); err != nil {
			return "", nil, err
		}
	}
	return fs.Arg(0), syms, nil
}

// handleInfoCommand processes `quatch info <image>`.
func handleInfoCommand(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: quatch info <image>")
	}
	img, crc, err := loadImage(args[0])
	if err != nil {
		return err
	}
	return writeInfo(os.Stdout, img, crc)
}

func writeInfo(w io.Writer, img *qvm.Image, crc uint32) error {
	h := img.Header()
	sites := link.CallSites(img, len(img.Code))
	syscalls := 0
	for _, s := range sites {
		if s.Syscall() {
			syscalls++
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	version := 1
	if h.Magic == qvm.MagicVer2 {
		version = 2
	}
	fmt.Fprintf(tw, "format\tv%d (magic %#08x)\n", version, h.Magic)
	fmt.Fprintf(tw, "crc\t%08x\n", crc)
	fmt.Fprintf(tw, "instructions\t%d\n", h.InstructionCount)
	fmt.Fprintf(tw, "code\t%d bytes at %#x\n", h.CodeLength, h.CodeOffset)
	fmt.Fprintf(tw, "data\t%d bytes at %#x\n", h.DataLength, h.DataOffset)
	fmt.Fprintf(tw, "lit\t%d bytes at %#x\n", h.LitLength, img.DataLength())
	fmt.Fprintf(tw, "bss\t%d bytes at %#x (stack %d)\n", h.BSSLength, img.BSSBase(), img.StackReserve())
	fmt.Fprintf(tw, "memory\t%#x\n", img.MemorySize())
	if version == 2 {
		fmt.Fprintf(tw, "jump targets\t%d\n", len(img.JumpTargets))
	}
	fmt.Fprintf(tw, "calls\t%d to %d targets, %d syscalls\n", len(sites), len(link.Targets(sites)), syscalls)
	return tw.Flush()
}

// handleDisasmCommand processes `quatch disasm [-symbols file] <image>`.
func handleDisasmCommand(args []string) error {
	path, syms, err := imageArgs("disasm", args)
	if err != nil {
		return err
	}
	img, _, err := loadImage(path)
	if err != nil {
		return err
	}
	fmt.Print(qvm.Disassemble(img, byAddr(syms)))
	return nil
}

// handleCallsCommand processes `quatch calls [-symbols file] <image>`.
func handleCallsCommand(args []string) error {
	path, syms, err := imageArgs("calls", args)
	if err != nil {
		return err
	}
	img, _, err := loadImage(path)
	if err != nil {
		return err
	}
	return writeCalls(os.Stdout, img, byAddr(syms))
}

func writeCalls(w io.Writer, img *qvm.Image, names map[uint32]string) error {
	sites := link.CallSites(img, len(img.Code))
	counts := link.CallCounts(sites)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tCALLS\tNAME")
	for _, t := range link.Targets(sites) {
		name := names[t]
		if name == "" && int32(t) < 0 {
			name = fmt.Sprintf("syscall %d", int32(t))
		}
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%#x\t%d\t%s\n", t, counts[t], name)
	}
	return tw.Flush()
}
