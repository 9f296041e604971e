package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// IntSize is the number of bytes an int occupies on a page.
const IntSize = 4

var (
	ErrInvalidUTF8 = errors.New("invalid UTF-8 encoding")
	ErrOutOfBounds = errors.New("value does not fit in page")
)

// Page is a fixed-size region of bytes mirroring one disk block.
// Values are stored untyped; reading an offset with a different type than
// it was written with gives an unspecified result.
// Page is not safe for concurrent use. A buffer.Buffer guards the page it owns.
type Page struct {
	buffer []byte
}

// NewPage creates a Page with a buffer of the given block size.
func NewPage(blockSize int) *Page {
	return &Page{buffer: make([]byte, blockSize)}
}

// NewPageFromBytes creates a Page by wrapping the provided byte slice.
func NewPageFromBytes(bytes []byte) *Page {
	return &Page{buffer: bytes}
}

// GetInt retrieves a 32-bit integer from the buffer at the specified offset.
func (p *Page) GetInt(offset int) int32 {
	return int32(binary.BigEndian.Uint32(p.buffer[offset:]))
}

// SetInt writes a 32-bit integer to the buffer at the specified offset.
func (p *Page) SetInt(offset int, n int32) {
	binary.BigEndian.PutUint32(p.buffer[offset:], uint32(n))
}

// GetLong retrieves a 64-bit integer from the buffer at the specified offset.
func (p *Page) GetLong(offset int) int64 {
	return int64(binary.BigEndian.Uint64(p.buffer[offset:]))
}

// SetLong writes a 64-bit integer to the buffer at the specified offset.
func (p *Page) SetLong(offset int, n int64) {
	binary.BigEndian.PutUint64(p.buffer[offset:], uint64(n))
}

// GetBytes retrieves a length-prefixed byte slice starting at the specified offset.
// A length prefix that points outside the page yields ErrOutOfBounds.
func (p *Page) GetBytes(offset int) ([]byte, error) {
	if offset < 0 || offset+IntSize > len(p.buffer) {
		return nil, fmt.Errorf("%w: offset %d, page size %d", ErrOutOfBounds, offset, len(p.buffer))
	}
	length := int(p.GetInt(offset))
	start := offset + IntSize
	if length < 0 || length > len(p.buffer)-start {
		return nil, fmt.Errorf("%w: %d bytes at offset %d, page size %d", ErrOutOfBounds, length, offset, len(p.buffer))
	}
	b := make([]byte, length)
	copy(b, p.buffer[start:start+length])
	return b, nil
}

// SetBytes writes a length-prefixed byte slice starting at the specified offset.
// The page is left untouched if the slice does not fit.
func (p *Page) SetBytes(offset int, b []byte) error {
	if offset < 0 || offset+IntSize > len(p.buffer) || len(b) > len(p.buffer)-offset-IntSize {
		return fmt.Errorf("%w: %d bytes at offset %d, page size %d", ErrOutOfBounds, len(b), offset, len(p.buffer))
	}
	p.SetInt(offset, int32(len(b)))
	copy(p.buffer[offset+IntSize:], b)
	return nil
}

// GetString retrieves a string from the buffer at the specified offset.
func (p *Page) GetString(offset int) (string, error) {
	b, err := p.GetBytes(offset)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// SetString writes a string to the buffer at the specified offset.
func (p *Page) SetString(offset int, s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return p.SetBytes(offset, []byte(s))
}

func (p *Page) GetBool(offset int) bool {
	return p.buffer[offset] != 0
}

func (p *Page) SetBool(offset int, b bool) {
	if b {
		p.buffer[offset] = 1
	} else {
		p.buffer[offset] = 0
	}
}

// MaxLength calculates the maximum number of bytes required to store a string of a given length.
func MaxLength(strlen int) int {
	return IntSize + strlen*utf8.UTFMax
}

// Contents returns the byte buffer maintained by the Page.
func (p *Page) Contents() []byte {
	return p.buffer
}
