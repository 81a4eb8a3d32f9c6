package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a record that cannot be parsed.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose content does not match
	// its checksum.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates an operation on a closed WAL.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError locates a record that could not be replayed.
type CorruptionError struct {
	Line  int   // 1-based line in the file
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
