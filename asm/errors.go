package asm

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed            = errors.New("malformed assembly")
	ErrUnsupportedConstruct = errors.New("unsupported construct")
)

// IngestError locates a failure in an assembly file.
type IngestError struct {
	File   string
	Line   int
	Kind   error
	Detail string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s:%d: %v: %s", e.File, e.Line, e.Kind, e.Detail)
}

func (e *IngestError) Unwrap() error {
	return e.Kind
}
