package store

import (
	"os"

	"github.com/entrace-dev/entrace/pkg/trace"
)

// Trace is a loaded trace: the read interface plus full-record access
// and a release hook for any file handles or memory maps behind it.
type Trace interface {
	Reader
	Record(id trace.SpanID) (trace.SpanRecord, error)
	Close() error
}

// Close releases nothing; a MemStore owns no file resources.
func (s *MemStore) Close() error { return nil }

// OpenTrace sniffs the magic header and opens the file with whichever
// reader fits: a memory map for the indexed form, a full load into a
// MemStore for the stream forms.
func OpenTrace(path string) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.IoError(err)
	}
	var m [trace.MagicLen]byte
	if n, err := f.Read(m[:]); err != nil || n < trace.MagicLen {
		f.Close()
		return nil, &trace.FormatError{Reason: "file shorter than magic header"}
	}
	_, format, err := trace.ParseMagic(m)
	if err != nil {
		f.Close()
		return nil, err
	}
	if format == trace.FormatIndexed {
		f.Close()
		return OpenMmap(path)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, trace.IoError(err)
	}
	defer f.Close()
	return ReadStream(f)
}
