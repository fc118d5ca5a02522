package trace

// StorageFormat is byte 9 of the magic header.
type StorageFormat uint8

const (
	// FormatIndexed is the memory-mappable random-access form.
	FormatIndexed StorageFormat = 0

	// FormatStream is the appendable streaming form.
	FormatStream StorageFormat = 1

	// FormatStreamPrefixed is the stream form with a u64 length before
	// each record, used for socket framing.
	FormatStreamPrefixed StorageFormat = 2
)

// DiskVersion is the current format version written into byte 8 of the
// magic header. Any change to the canonical encoding increments it.
const DiskVersion uint8 = 1

// MagicLen is the size of the file/wire header.
const MagicLen = 10

var magicPrefix = [8]byte{0, 'E', 'N', 'T', 'R', 'A', 'C', 'E'}

// MagicFor builds the 10-byte header for the given version and format.
func MagicFor(version uint8, format StorageFormat) [MagicLen]byte {
	var m [MagicLen]byte
	copy(m[:], magicPrefix[:])
	m[8] = version
	m[9] = byte(format)
	return m
}

// ParseMagic validates a 10-byte header and returns its version and
// storage format. A mismatched prefix, unknown version, or unknown
// format tag yields ErrUnsupportedFormat.
func ParseMagic(m [MagicLen]byte) (uint8, StorageFormat, error) {
	for i, b := range magicPrefix {
		if m[i] != b {
			return 0, 0, &FormatError{Reason: "bad magic"}
		}
	}
	version := m[8]
	if version > DiskVersion {
		return 0, 0, &FormatError{Reason: "unknown version", Version: version}
	}
	switch StorageFormat(m[9]) {
	case FormatIndexed, FormatStream, FormatStreamPrefixed:
		return version, StorageFormat(m[9]), nil
	}
	return 0, 0, &FormatError{Reason: "unknown storage format tag", Version: version}
}
