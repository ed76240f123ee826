package qvm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Image Error Types
// ---------------------------------------------------------------------------

var (
	ErrBadMagic            = errors.New("bad magic number")
	ErrTruncated           = errors.New("truncated image")
	ErrBadOpcode           = errors.New("bad opcode")
	ErrInconsistentOffsets = errors.New("inconsistent header offsets")
	ErrSegmentOverflow     = errors.New("segment overflow")
)

// ImageError reports a decoding or encoding failure at a byte offset.
// It unwraps to one of the package sentinels.
type ImageError struct {
	Kind   error
	Offset int
	Detail string
}

func (e *ImageError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("qvm: %v at offset %#x", e.Kind, e.Offset)
	}
	return fmt.Sprintf("qvm: %v at offset %#x: %s", e.Kind, e.Offset, e.Detail)
}

func (e *ImageError) Unwrap() error {
	return e.Kind
}

func imageErrorf(kind error, offset int, format string, args ...any) *ImageError {
	return &ImageError{Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}
