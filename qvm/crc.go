package qvm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// crc32ReverseTable steps the CRC-32 register backwards one byte at a time.
var crc32ReverseTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		reg := uint32(i) << 24
		for range 8 {
			if reg&(1<<31) != 0 {
				reg = ((reg ^ crc32.IEEE) << 1) | 1
			} else {
				reg <<= 1
			}
		}
		table[i] = reg
	}
	return table
}()

// Checksum returns the IEEE CRC-32 of data, the checksum pure servers use
// to compare game modules.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ForgeCRC32 overwrites data[offset:offset+4] so that the CRC-32 of data
// becomes want. See "Reversing CRC - Theory and Practice" (SAR-PR-2006-05).
func ForgeCRC32(data []byte, offset int, want uint32) error {
	if offset < 0 || offset+4 > len(data) {
		return fmt.Errorf("forge offset %d outside %d byte buffer", offset, len(data))
	}
	patch := data[offset : offset+4]
	binary.LittleEndian.PutUint32(patch, crc32.ChecksumIEEE(data[:offset])^0xffffffff)

	reg := want ^ 0xffffffff
	for i := len(data) - 1; i >= offset; i-- {
		reg = (reg << 8) ^ crc32ReverseTable[reg>>24] ^ uint32(data[i])
	}
	binary.LittleEndian.PutUint32(patch, reg)
	return nil
}
