package trace

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat indicates a bad magic header or an unknown
	// version or storage-format tag.
	ErrUnsupportedFormat = errors.New("trace: unsupported format")

	// ErrCorruptIndex indicates an offset or pool entry out of range, or
	// inconsistent table lengths, in an indexed-form file.
	ErrCorruptIndex = errors.New("trace: corrupt index")

	// ErrIncompleteFrame indicates a truncated record. Recoverable on
	// stream sockets (wait for more bytes); fatal on files.
	ErrIncompleteFrame = errors.New("trace: incomplete frame")

	// ErrIo wraps an underlying read/write or memory-map fault.
	ErrIo = errors.New("trace: io error")

	// ErrTypeMismatch indicates a comparison between values whose types
	// disallow it. Predicate evaluation treats such a comparison as a
	// non-match; no code path in this module returns this error.
	ErrTypeMismatch = errors.New("trace: type mismatch")
)

// FormatError carries detail for ErrUnsupportedFormat.
type FormatError struct {
	Reason  string
	Version uint8
}

func (e *FormatError) Error() string {
	if e.Version != 0 {
		return fmt.Sprintf("trace: unsupported format: %s (file version %d, supported %d)", e.Reason, e.Version, DiskVersion)
	}
	return "trace: unsupported format: " + e.Reason
}

func (e *FormatError) Unwrap() error { return ErrUnsupportedFormat }

// OutOfBoundsError reports a span identifier beyond the trace length.
type OutOfBoundsError struct {
	ID  SpanID
	Len int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("trace: span %d out of bounds for trace of length %d", e.ID, e.Len)
}

// IoError wraps an underlying I/O failure so callers can match ErrIo.
func IoError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIo, err)
}

// CorruptIndexError builds an ErrCorruptIndex with detail.
func CorruptIndexError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}
