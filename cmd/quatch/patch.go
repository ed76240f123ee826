package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chazu/quatch/asm"
	"github.com/chazu/quatch/lcc"
	"github.com/chazu/quatch/linkmap"
	"github.com/chazu/quatch/manifest"
	"github.com/chazu/quatch/patcher"
	"github.com/chazu/quatch/qvm"
	"github.com/chazu/quatch/symdb"
)

// handlePatchCommand processes the `quatch patch` subcommand.
// Usage:
//
//	quatch patch           # quatch.toml in . or a parent
//	quatch patch ./mod     # quatch.toml in ./mod or a parent
func handlePatchCommand(args []string, verbose bool) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	if m == nil {
		return errors.New("no quatch.toml found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := patchProject(ctx, m)
	if err != nil {
		return err
	}
	if verbose {
		for _, p := range rep.patches {
			fmt.Printf("Redirected %d calls: %s -> %s\n", p.Count, p.Old, p.New)
		}
	}
	fmt.Printf("Wrote %s (%d bytes, crc %08x)\n", rep.output, rep.size, rep.crc)
	if rep.linkMap != "" && verbose {
		fmt.Printf("Wrote link map %s\n", rep.linkMap)
	}
	return nil
}

type patchReport struct {
	output  string
	size    int
	crc     uint32
	linkMap string
	patches []linkmap.Patch
}

// patchProject runs the whole manifest: gather symbols, inject every source
// in one link, redirect calls and write the image and its link map.
func patchProject(ctx context.Context, m *manifest.Manifest) (*patchReport, error) {
	if m.Image.Input == "" {
		return nil, errors.New("quatch.toml: [image] input is required")
	}
	input := m.Path(m.Image.Input)
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, err
	}

	var db *symdb.DB
	if m.SymDB.Path != "" {
		db, err = symdb.Open(m.Path(m.SymDB.Path))
		if err != nil {
			return nil, err
		}
		defer db.Close()
	}

	symbols, err := projectSymbols(m, db, qvm.Checksum(data))
	if err != nil {
		return nil, err
	}

	opts := []patcher.Option{patcher.WithName(filepath.Base(input))}
	if m.Image.Strict {
		opts = append(opts, patcher.WithStrict())
	}
	if m.Image.ForgeCRC {
		opts = append(opts, patcher.WithForgeCRC())
	}
	if len(m.Image.InitSymbols) > 0 {
		opts = append(opts, patcher.WithInitSymbols(m.Image.InitSymbols...))
	}
	s, err := patcher.Open(data, symbols, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", input, err)
	}

	units, err := buildSources(ctx, m)
	if err != nil {
		return nil, err
	}
	if len(units) > 0 {
		if err := s.Inject(units...); err != nil {
			return nil, err
		}
	}

	for _, r := range m.Replace {
		if _, err := s.ReplaceCalls(patcher.ParseTarget(r.Old), patcher.ParseTarget(r.New)); err != nil {
			return nil, err
		}
	}

	out, err := s.Serialize()
	if err != nil {
		return nil, err
	}
	output := m.Path(m.Image.Output)
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return nil, err
	}

	crc := qvm.Checksum(out)
	lm := s.LinkMap(crc)
	rep := &patchReport{output: output, size: len(out), crc: crc, patches: lm.Patches}
	if path := m.LinkMapPath(); path != "" {
		if err := lm.Save(path); err != nil {
			return nil, err
		}
		rep.linkMap = path
	}
	if db != nil && crc != s.OriginalCRC() {
		if err := db.Import(crc, filepath.Base(output), s.Symbols().Addrs()); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// projectSymbols merges, lowest precedence first, the database entry for
// the input image, the previous link map and the manifest's own table.
func projectSymbols(m *manifest.Manifest, db *symdb.DB, crc uint32) (map[string]uint32, error) {
	out := make(map[string]uint32)
	if db != nil {
		syms, err := db.Lookup(crc)
		if err != nil && !errors.Is(err, symdb.ErrImageNotFound) {
			return nil, err
		}
		for k, v := range syms {
			out[k] = v
		}
	}
	if m.LinkMap.Input != "" {
		lm, err := linkmap.Load(m.Path(m.LinkMap.Input))
		if err != nil {
			return nil, err
		}
		for k, v := range lm.Addrs() {
			out[k] = v
		}
	}
	for k, v := range m.Symbols {
		out[k] = v
	}
	return out, nil
}

// buildSources compiles C sources and ingests everything into units.
func buildSources(ctx context.Context, m *manifest.Manifest) ([]*asm.Unit, error) {
	var cc *lcc.Compiler
	var units []*asm.Unit
	for _, src := range m.Sources {
		path := m.Path(src.Path)
		if src.Kind != "c" {
			u, err := asm.IngestFile(path)
			if err != nil {
				return nil, err
			}
			units = append(units, u)
			continue
		}

		if cc == nil {
			var err error
			if cc, err = compiler(m); err != nil {
				return nil, err
			}
		}
		out, err := cc.CompileFile(ctx, path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		u, err := asm.Ingest(name, out)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func compiler(m *manifest.Manifest) (*lcc.Compiler, error) {
	var cc *lcc.Compiler
	if m.Compiler.Path != "" {
		cc = &lcc.Compiler{Path: m.Path(m.Compiler.Path)}
	} else {
		var err error
		if cc, err = lcc.Find(); err != nil {
			return nil, err
		}
	}
	cc.Include = m.IncludeDirs()
	return cc, nil
}
