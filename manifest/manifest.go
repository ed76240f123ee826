// Package manifest handles quatch.toml patch project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked for in a project directory.
const FileName = "quatch.toml"

// Manifest represents a quatch.toml patch project.
type Manifest struct {
	Image    ImageConfig       `toml:"image"`
	Symbols  map[string]uint32 `toml:"symbols"`
	Compiler CompilerConfig    `toml:"compiler"`
	Sources  []Source          `toml:"source"`
	Replace  []Replacement     `toml:"replace"`
	LinkMap  LinkMapConfig     `toml:"linkmap"`
	SymDB    SymDBConfig       `toml:"symdb"`

	// Dir is the directory containing the quatch.toml file (set at load time).
	Dir string `toml:"-"`
}

// ImageConfig names the image to patch and how to write it back.
type ImageConfig struct {
	Input       string   `toml:"input"`
	Output      string   `toml:"output"`
	Strict      bool     `toml:"strict"`
	ForgeCRC    bool     `toml:"forge-crc"`
	InitSymbols []string `toml:"init-symbols"`
}

// CompilerConfig locates the C compiler used for .c sources.
type CompilerConfig struct {
	Path    string   `toml:"path"`
	Include []string `toml:"include"`
}

// Source is one unit to inject. Kind is "c" or "asm"; when empty it is
// taken from the file extension.
type Source struct {
	Path string `toml:"path"`
	Kind string `toml:"kind"`
}

// Replacement redirects calls from Old to New. Either may be a symbol name
// or a numeric address.
type Replacement struct {
	Old string `toml:"old"`
	New string `toml:"new"`
}

// LinkMapConfig controls the link map written next to the output image.
type LinkMapConfig struct {
	Output string `toml:"output"`
	Input  string `toml:"input"`
}

// SymDBConfig points at a symbol database keyed by image checksum.
type SymDBConfig struct {
	Path string `toml:"path"`
}

// Load parses a quatch.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse validates and decodes manifest contents. Defaults are applied to
// the result.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	// Defaults
	if m.Image.Output == "" && m.Image.Input != "" {
		m.Image.Output = m.Image.Input + ".patched"
	}
	for i := range m.Sources {
		if m.Sources[i].Kind == "" {
			m.Sources[i].Kind = kindOf(m.Sources[i].Path)
		}
	}
	return &m, nil
}

func kindOf(path string) string {
	switch filepath.Ext(path) {
	case ".c":
		return "c"
	default:
		return "asm"
	}
}

// FindAndLoad walks up from startDir to find a quatch.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Path resolves p relative to the manifest directory. Empty stays empty.
func (m *Manifest) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// IncludeDirs returns absolute paths for the compiler include directories.
func (m *Manifest) IncludeDirs() []string {
	var paths []string
	for _, d := range m.Compiler.Include {
		paths = append(paths, m.Path(d))
	}
	return paths
}

// LinkMapPath returns where the link map is written: the configured path,
// or the output image path with a .map suffix.
func (m *Manifest) LinkMapPath() string {
	if m.LinkMap.Output != "" {
		return m.Path(m.LinkMap.Output)
	}
	if m.Image.Output == "" {
		return ""
	}
	return m.Path(m.Image.Output) + ".map"
}
