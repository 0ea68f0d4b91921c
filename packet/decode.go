// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A Scanner reads encoded values from the body of a packet.
// The methods of a scanner return [io.EOF] when no further input is available.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int // of rest from the start of the input
}

// NewScanner constructs a [Scanner] that consumes data from input.
// The scanner does not modify the contents of input, but retains slices
// into it, so the caller should ensure it is not modified while the scanner
// is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Bool scans a single byte from the head of the input and converts it into a
// Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	s.offset++
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uvarint parses an unsigned varint from the head of the input.
func (s *Scanner) Uvarint() (uint64, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	v, n := binary.Uvarint(s.rest)
	if n == 0 {
		return 0, fmt.Errorf("varint truncated at offset %d: %w", s.offset, io.ErrUnexpectedEOF)
	} else if n < 0 {
		return 0, fmt.Errorf("varint overflow at offset %d", s.offset)
	}
	s.offset += n
	s.rest = s.rest[n:]
	return v, nil
}

// Uint16 parses a little-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 2
	out := binary.LittleEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	return out, nil
}

// Uint32 parses a little-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 4
	out := binary.LittleEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// Int32 parses a little-endian two's complement int32 value from the head of
// the input.
func (s *Scanner) Int32() (int32, error) {
	v, err := s.Uint32()
	return int32(v), err
}

// String parses a varint length-prefixed string from the head of the input.
func (s *Scanner) String() (string, error) {
	n, err := s.Uvarint()
	if err != nil {
		return "", err
	} else if n > uint64(len(s.rest)) {
		return "", fmt.Errorf("string truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	return Get[string](s, int(n))
}

// Blob parses an int32 length-prefixed byte slice from the head of the input.
// The result aliases the input, and the caller must not modify its contents.
func (s *Scanner) Blob() ([]byte, error) {
	n, err := s.Int32()
	if err != nil {
		return nil, err
	} else if n < 0 {
		return nil, errors.New("negative blob length")
	}
	return Get[[]byte](s, int(n))
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, a partial result is returned
// along with an error.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	s.offset += n
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}

// Parse applies each of the field decoders in order to s, and reports an
// error if any fails or if input remains after the last one.
func Parse(s *Scanner, fields ...func(*Scanner) error) error {
	for i, f := range fields {
		if err := f(s); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	if s.Len() != 0 {
		return fmt.Errorf("%d unused bytes at offset %d", s.Len(), s.offset)
	}
	return nil
}

// StringField returns a field decoder for Parse that scans a string into *p.
func StringField(p *string) func(*Scanner) error {
	return func(s *Scanner) (err error) { *p, err = s.String(); return }
}

// Int32Field returns a field decoder for Parse that scans an int32 into *p.
func Int32Field(p *int32) func(*Scanner) error {
	return func(s *Scanner) (err error) { *p, err = s.Int32(); return }
}

// BoolField returns a field decoder for Parse that scans a Boolean into *p.
func BoolField(p *bool) func(*Scanner) error {
	return func(s *Scanner) (err error) { *p, err = s.Bool(); return }
}

// BlobField returns a field decoder for Parse that scans a blob into *p.
// The result is a non-nil copy, and does not alias the input.
func BlobField(p *[]byte) func(*Scanner) error {
	return func(s *Scanner) error {
		b, err := s.Blob()
		if err != nil {
			return err
		}
		*p = make([]byte, len(b))
		copy(*p, b)
		return nil
	}
}
