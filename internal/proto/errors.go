package proto

import "errors"

var (
	ErrTruncated     = errors.New("truncated input")
	ErrMalformed     = errors.New("malformed message")
	ErrUnsupported   = errors.New("unsupported encoding")
	ErrNonContiguous = errors.New("noncontiguous fragment")
)
