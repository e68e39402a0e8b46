package cc

import "fmt"

// Fixed-width big-endian field access with bounds checks. Every reader is a
// pure function of the byte slice; a short slice is a structural error.

func errShortReport(class byte, got, want int) error {
	return fmt.Errorf("%s report needs %d bytes, got %d: %w", ClassName(class), want, got, ErrStructural)
}

func readUint16(data []byte, off int) (uint16, error) {
	if off < 0 || off+2 > len(data) {
		return 0, fmt.Errorf("uint16 at offset %d exceeds %d bytes: %w", off, len(data), ErrStructural)
	}
	return uint16(data[off])<<8 | uint16(data[off+1]), nil
}

func readUint24(data []byte, off int) (uint32, error) {
	if off < 0 || off+3 > len(data) {
		return 0, fmt.Errorf("uint24 at offset %d exceeds %d bytes: %w", off, len(data), ErrStructural)
	}
	return uint32(data[off])<<16 | uint32(data[off+1])<<8 | uint32(data[off+2]), nil
}

func readUint32(data []byte, off int) (uint32, error) {
	if off < 0 || off+4 > len(data) {
		return 0, fmt.Errorf("uint32 at offset %d exceeds %d bytes: %w", off, len(data), ErrStructural)
	}
	return uint32(data[off])<<24 | uint32(data[off+1])<<16 |
		uint32(data[off+2])<<8 | uint32(data[off+3]), nil
}

func putUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func putUint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// readSized reads a big-endian integer whose width is itself a decoded field.
// Widths outside {1, 2, 4} are rejected, not clamped.
func readSized(data []byte, off, size int) (uint32, error) {
	switch size {
	case 1:
		if off >= len(data) {
			return 0, fmt.Errorf("value at offset %d exceeds %d bytes: %w", off, len(data), ErrStructural)
		}
		return uint32(data[off]), nil
	case 2:
		v, err := readUint16(data, off)
		return uint32(v), err
	case 4:
		return readUint32(data, off)
	default:
		return 0, fmt.Errorf("invalid value size %d: %w", size, ErrStructural)
	}
}
