package messages

import (
	"encoding/binary"
	"fmt"
)

type ErrorCode string

const (
	CODEC_ERR_TRUNCATED        ErrorCode = "CODEC_ERR_TRUNCATED"
	CODEC_ERR_UNEXPECTED_VALUE ErrorCode = "CODEC_ERR_UNEXPECTED_VALUE"
	CODEC_ERR_LENGTH_RANGE     ErrorCode = "CODEC_ERR_LENGTH_RANGE"
	CODEC_ERR_TRAILING_BYTES   ErrorCode = "CODEC_ERR_TRAILING_BYTES"
	CODEC_ERR_VERSION          ErrorCode = "CODEC_ERR_VERSION"
)

// CodecError is returned for any malformed or version-inconsistent message.
type CodecError struct {
	Code ErrorCode
	Msg  string
}

func (e *CodecError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func codecErr(code ErrorCode, format string, args ...any) error {
	return &CodecError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func errTruncated(what string) error {
	return codecErr(CODEC_ERR_TRUNCATED, "unexpected EOF (%s)", what)
}

func errUnexpectedValue(format string, args ...any) error {
	return codecErr(CODEC_ERR_UNEXPECTED_VALUE, format, args...)
}

func errVersion(v Version) error {
	return codecErr(CODEC_ERR_VERSION, "unhandled version %q", v)
}

type cursor struct {
	b   []byte
	pos int
}

// newCursor creates a cursor for reading from b with the initial read position set to 0.
func newCursor(b []byte) *cursor {
	return &cursor{b: b, pos: 0}
}

func (c *cursor) remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

func (c *cursor) readExact(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, errTruncated("bytes")
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

func (c *cursor) readU8() (uint8, error) {
	b, err := c.readExact(1)
	if err != nil {
		return 0, errTruncated("u8")
	}
	return b[0], nil
}

func (c *cursor) readU16() (uint16, error) {
	b, err := c.readExact(2)
	if err != nil {
		return 0, errTruncated("u16")
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) readU32() (uint32, error) {
	b, err := c.readExact(4)
	if err != nil {
		return 0, errTruncated("u32")
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) readU64() (uint64, error) {
	b, err := c.readExact(8)
	if err != nil {
		return 0, errTruncated("u64")
	}
	return binary.BigEndian.Uint64(b), nil
}

// readU16Bytes reads a 2-byte length prefix followed by that many bytes.
// The returned slice is a copy.
func (c *cursor) readU16Bytes() ([]byte, error) {
	n, err := c.readU16()
	if err != nil {
		return nil, err
	}
	b, err := c.readExact(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// readU32Bytes reads a 4-byte length prefix followed by that many bytes.
// The returned slice is a copy.
func (c *cursor) readU32Bytes() ([]byte, error) {
	n, err := c.readU32()
	if err != nil {
		return nil, err
	}
	b, err := c.readExact(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// sub returns a cursor over the next n bytes and advances past them. Item
// lists are encoded as the total byte length of the concatenated items
// followed by the items themselves; decoding iterates the sub-cursor until it
// is empty.
func (c *cursor) sub(n int) (*cursor, error) {
	b, err := c.readExact(n)
	if err != nil {
		return nil, err
	}
	return newCursor(b), nil
}

func (c *cursor) finish() error {
	if c.remaining() != 0 {
		return codecErr(CODEC_ERR_TRAILING_BYTES, "%d trailing bytes", c.remaining())
	}
	return nil
}

// appendU16 appends v as a 2-byte big-endian value to dst.
func appendU16(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

// appendU32 appends v as a 4-byte big-endian value to dst.
func appendU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// appendU64 appends v as an 8-byte big-endian value to dst.
func appendU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

const (
	maxU16 = 1<<16 - 1
	maxU32 = 1<<32 - 1
)

func appendU16Bytes(dst []byte, b []byte) ([]byte, error) {
	if len(b) > maxU16 {
		return nil, codecErr(CODEC_ERR_LENGTH_RANGE, "length %d exceeds u16 prefix", len(b))
	}
	dst = appendU16(dst, uint16(len(b)))
	return append(dst, b...), nil
}

func appendU32Bytes(dst []byte, b []byte) ([]byte, error) {
	if len(b) > maxU32 {
		return nil, codecErr(CODEC_ERR_LENGTH_RANGE, "length %d exceeds u32 prefix", len(b))
	}
	dst = appendU32(dst, uint32(len(b)))
	return append(dst, b...), nil
}

// appendU16Items frames the concatenated item encodings with a u16 byte-length
// prefix. The caller passes the already-encoded concatenation.
func appendU16Items(dst []byte, items []byte) ([]byte, error) {
	return appendU16Bytes(dst, items)
}

// appendU32Items frames the concatenated item encodings with a u32 byte-length
// prefix.
func appendU32Items(dst []byte, items []byte) ([]byte, error) {
	return appendU32Bytes(dst, items)
}
