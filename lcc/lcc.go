// Package lcc runs Quake 3's lcc compiler to turn C sources into the
// bytecode assembly that package asm ingests.
package lcc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
)

// ErrNotFound means no compiler could be located.
var ErrNotFound = errors.New("unable to locate lcc: set the LCC environment variable or make sure it is in your PATH")

// Names are the executable names tried, in order.
var Names = []string{"lcc", "q3lcc"}

// CompilerError reports a failed compilation with the compiler's output.
type CompilerError struct {
	Source string
	Output string
	Err    error
}

func (e *CompilerError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("compiling %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("compiling %s: %v\n%s", e.Source, e.Err, out)
}

func (e *CompilerError) Unwrap() error { return e.Err }

// Compiler is one lcc installation.
type Compiler struct {
	Path    string
	Include []string
}

// Find locates lcc: the LCC environment variable wins, then each of Names
// is looked for in the working directory and on PATH.
func Find() (*Compiler, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	return find(env.Str("LCC"), cwd)
}

func find(override, cwd string) (*Compiler, error) {
	if override != "" {
		return &Compiler{Path: override}, nil
	}
	for _, name := range Names {
		if cwd != "" {
			p := filepath.Join(cwd, name)
			if isExecutable(p) {
				return &Compiler{Path: p}, nil
			}
		}
		if p, err := exec.LookPath(name); err == nil {
			return &Compiler{Path: p}, nil
		}
	}
	return nil, ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// args returns the command line compiling input into output.
func (c *Compiler) args(input, output string) []string {
	args := []string{"-DQ3_VM", "-S", "-Wf-target=bytecode", "-Wf-g"}
	for _, dir := range c.Include {
		args = append(args, "-I"+dir)
	}
	return append(args, "-o", output, input)
}

// environ puts the compiler's directory first on PATH so lcc finds the
// rest of its toolchain.
func (c *Compiler) environ() []string {
	dir := filepath.Dir(c.Path)
	if abs, err := filepath.EvalSymlinks(dir); err == nil {
		dir = abs
	}
	out := make([]string, 0, len(os.Environ())+1)
	path := dir
	for _, kv := range os.Environ() {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = dir + string(os.PathListSeparator) + v
			continue
		}
		out = append(out, kv)
	}
	return append(out, "PATH="+path)
}

// CompileFile compiles the C file at path and returns the assembly.
func (c *Compiler) CompileFile(ctx context.Context, path string) ([]byte, error) {
	tmp, err := os.MkdirTemp("", "quatch-lcc-")
	if err != nil {
		return nil, fmt.Errorf("cannot create work directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	output := filepath.Join(tmp, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+".asm")
	cmd := exec.CommandContext(ctx, c.Path, c.args(path, output)...)
	cmd.Env = c.environ()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, &CompilerError{Source: path, Output: out.String(), Err: err}
	}

	asm, err := os.ReadFile(output)
	if err != nil {
		return nil, &CompilerError{Source: path, Output: out.String(), Err: err}
	}
	return asm, nil
}

// Compile compiles source as if it were the file name.c.
func (c *Compiler) Compile(ctx context.Context, name string, source []byte) ([]byte, error) {
	tmp, err := os.MkdirTemp("", "quatch-src-")
	if err != nil {
		return nil, fmt.Errorf("cannot create work directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	path := filepath.Join(tmp, name+".c")
	if err := os.WriteFile(path, source, 0o644); err != nil {
		return nil, fmt.Errorf("cannot write %s: %w", path, err)
	}
	return c.CompileFile(ctx, path)
}
