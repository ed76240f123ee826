package qvm

import (
	"errors"
	"fmt"
	"sort"
)

// RegionTag determines how the bytes of a Region are initialized.
type RegionTag uint8

const (
	// RegionData bytes are 32-bit words, byte-swapped by big-endian interpreters.
	RegionData RegionTag = iota
	// RegionLit bytes are initialized as-is.
	RegionLit
	// RegionBSS bytes are zero and cannot be assigned.
	RegionBSS
)

func (t RegionTag) String() string {
	switch t {
	case RegionData:
		return "data"
	case RegionLit:
		return "lit"
	case RegionBSS:
		return "bss"
	default:
		return fmt.Sprintf("RegionTag(%d)", t)
	}
}

var ErrBSSWrite = errors.New("cannot assign to bss")

// Region is a run of consecutive initialized bytes with the same tag.
type Region struct {
	Begin    uint32
	Tag      RegionTag
	Contents []byte
}

// End returns the exclusive upper bound.
func (r Region) End() uint32 {
	return r.Begin + uint32(len(r.Contents))
}

// Memory is a sparse description of initial VM memory starting at a base
// address. Bytes not covered by a data or lit region are bss.
type Memory struct {
	base    uint32
	size    uint32
	regions []Region // sorted, non-overlapping
}

// NewMemory returns empty memory whose first byte is at base.
func NewMemory(base uint32) *Memory {
	return &Memory{base: base}
}

// Base returns the address of the first byte.
func (m *Memory) Base() uint32 { return m.base }

// End returns the address one past the last byte.
func (m *Memory) End() uint32 { return m.base + m.size }

// Len returns the size in bytes, including bss.
func (m *Memory) Len() uint32 { return m.size }

// Align pads with bss up to a multiple of alignment.
func (m *Memory) Align(alignment uint32) {
	m.size = align(m.End(), alignment) - m.base
}

// AddRegion appends a region and returns its address. Data regions must be
// whole words at an address that is a multiple of four; bss data must be zero.
func (m *Memory) AddRegion(tag RegionTag, data []byte, alignment uint32) (uint32, error) {
	switch tag {
	case RegionBSS:
		for _, b := range data {
			if b != 0 {
				return 0, errors.New("bss bytes must be zero")
			}
		}
		return m.AddBSS(uint32(len(data)), alignment), nil
	case RegionData:
		if len(data)%4 != 0 || alignment%4 != 0 {
			return 0, errors.New("data regions must be whole words with 4-byte alignment")
		}
	}

	m.Align(alignment)
	addr := m.End()
	if len(data) > 0 {
		m.regions = append(m.regions, Region{
			Begin:    addr,
			Tag:      tag,
			Contents: append([]byte(nil), data...),
		})
	}
	m.size += uint32(len(data))
	return addr, nil
}

// AddData appends a word-aligned data region.
func (m *Memory) AddData(data []byte) (uint32, error) {
	return m.AddRegion(RegionData, data, 4)
}

// AddLit appends a byte-aligned literal region.
func (m *Memory) AddLit(data []byte) (uint32, error) {
	return m.AddRegion(RegionLit, data, 1)
}

// AddBSS reserves size zero bytes and returns their address.
func (m *Memory) AddBSS(size, alignment uint32) uint32 {
	m.Align(alignment)
	addr := m.End()
	m.size += size
	return addr
}

// Regions returns all initialized regions in address order.
func (m *Memory) Regions() []Region {
	return m.regions
}

// RegionsWithTag returns the initialized regions with tag. RegionBSS
// yields nothing since bss has no stored bytes.
func (m *Memory) RegionsWithTag(tag RegionTag) []Region {
	var out []Region
	for _, r := range m.regions {
		if r.Tag == tag {
			out = append(out, r)
		}
	}
	return out
}

// regionAt returns the index of the region containing addr, or -1.
func (m *Memory) regionAt(addr uint32) int {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
	if i < len(m.regions) && m.regions[i].Begin <= addr {
		return i
	}
	return -1
}

func (m *Memory) checkRange(begin, end uint32) error {
	if begin < m.base || end > m.End() || begin > end {
		return fmt.Errorf("memory range [%#x, %#x) outside [%#x, %#x)", begin, end, m.base, m.End())
	}
	return nil
}

// At returns the byte at addr.
func (m *Memory) At(addr uint32) (byte, error) {
	if err := m.checkRange(addr, addr+1); err != nil {
		return 0, err
	}
	if i := m.regionAt(addr); i >= 0 {
		r := m.regions[i]
		return r.Contents[addr-r.Begin], nil
	}
	return 0, nil
}

// Slice returns a copy of [begin, end), with bss read as zero.
func (m *Memory) Slice(begin, end uint32) ([]byte, error) {
	if err := m.checkRange(begin, end); err != nil {
		return nil, err
	}
	out := make([]byte, end-begin)
	for _, r := range m.regions {
		if r.End() <= begin || r.Begin >= end {
			continue
		}
		lo := max(r.Begin, begin)
		hi := min(r.End(), end)
		copy(out[lo-begin:hi-begin], r.Contents[lo-r.Begin:hi-r.Begin])
	}
	return out, nil
}

// Set overwrites bytes starting at addr. Every byte must lie in a data or
// lit region; nothing is written otherwise.
func (m *Memory) Set(addr uint32, data []byte) error {
	end := addr + uint32(len(data))
	if err := m.checkRange(addr, end); err != nil {
		return err
	}
	for a := addr; a < end; {
		i := m.regionAt(a)
		if i < 0 {
			return fmt.Errorf("%w at %#x", ErrBSSWrite, a)
		}
		a = m.regions[i].End()
	}
	for a := addr; a < end; {
		r := m.regions[m.regionAt(a)]
		n := copy(r.Contents[a-r.Begin:], data[a-addr:])
		a += uint32(n)
	}
	return nil
}
