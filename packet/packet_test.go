// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/peerchat/packet"
	"github.com/google/go-cmp/cmp"
)

func TestUvarint(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		// Single-byte encodings.
		{0, "\x00"},
		{1, "\x01"},
		{127, "\x7f"},

		// Two-byte encodings.
		{128, "\x80\x01"},
		{300, "\xac\x02"},
		{16383, "\xff\x7f"},

		// Three-byte encodings.
		{16384, "\x80\x80\x01"},
		{1 << 20, "\x80\x80\x40"},

		// Four-byte encodings.
		{1<<24 - 1, "\xff\xff\xff\x07"},
	}

	var b packet.Builder
	for _, tc := range tests {
		var one packet.Builder
		one.Uvarint(tc.input)
		if got := string(one.Bytes()); got != tc.want {
			t.Errorf("Encode %d: got %q, want %q", tc.input, got, tc.want)
		}
		if n := packet.UvarintLen(tc.input); n != len(tc.want) {
			t.Errorf("UvarintLen(%d): got %d, want %d", tc.input, n, len(tc.want))
		}
		b.Uvarint(tc.input) // see below
	}

	// Now decode the accumulated results to verify self-framing.
	s := packet.NewScanner(b.Bytes())
	for _, tc := range tests {
		got, err := s.Uvarint()
		if err != nil {
			t.Fatalf("Scan: unexpected error: %v", err)
		} else if got != tc.input {
			t.Errorf("Scan: got %d, want %d", got, tc.input)
		}
	}
	if v, err := s.Uvarint(); err != io.EOF {
		t.Errorf("Scan at end: got (%v, %v), want EOF", v, err)
	}
}

func TestFields(t *testing.T) {
	long := strings.Repeat("x", 200)

	var b packet.Builder
	b.String("")
	b.String("héllo")
	b.String(long)
	b.Int32(-2)
	b.Int32(1 << 30)
	b.Bool(true)
	b.Bool(false)
	b.Blob(nil)
	b.Blob([]byte{1, 2, 3})
	b.Uint16(0xBEEF)

	const want = "\x00" + "\x06h\xc3\xa9llo" + "\xc8\x01" // + long
	if got := string(b.Bytes()[:len(want)]); got != want {
		t.Errorf("Prefix: got %q, want %q", got, want)
	}

	var (
		s1, s2, s3 string
		i1, i2     int32
		ok1, ok2   bool
		blob1      []byte
		blob2      []byte
	)
	s := packet.NewScanner(b.Bytes())
	if err := packet.Parse(s,
		packet.StringField(&s1), packet.StringField(&s2), packet.StringField(&s3),
		packet.Int32Field(&i1), packet.Int32Field(&i2),
		packet.BoolField(&ok1), packet.BoolField(&ok2),
		packet.BlobField(&blob1), packet.BlobField(&blob2),
		func(s *packet.Scanner) error {
			v, err := s.Uint16()
			if err == nil && v != 0xBEEF {
				t.Errorf("Uint16: got %x, want beef", v)
			}
			return err
		},
	); err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if s1 != "" || s2 != "héllo" || s3 != long {
		t.Errorf("Strings: got %q, %q, %q", s1, s2, s3)
	}
	if i1 != -2 || i2 != 1<<30 {
		t.Errorf("Int32: got %d, %d", i1, i2)
	}
	if !ok1 || ok2 {
		t.Errorf("Bool: got %v, %v; want true, false", ok1, ok2)
	}
	if len(blob1) != 0 {
		t.Errorf("Empty blob: got %v", blob1)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, blob2); diff != "" {
		t.Errorf("Blob (-want, +got):\n%s", diff)
	}
}

func TestScannerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		parse func(*packet.Scanner) error
	}{
		{"ShortString", "\x05abc", func(s *packet.Scanner) error { _, err := s.String(); return err }},
		{"ShortVarint", "\x80", func(s *packet.Scanner) error { _, err := s.String(); return err }},
		{"ShortInt32", "\x01\x02", func(s *packet.Scanner) error { _, err := s.Int32(); return err }},
		{"ShortBlob", "\x04\x00\x00\x00ab", func(s *packet.Scanner) error { _, err := s.Blob(); return err }},
		{"ShortUint16", "\x01", func(s *packet.Scanner) error { _, err := s.Uint16(); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.parse(packet.NewScanner(tc.input))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("Got error %v, want %v", err, io.ErrUnexpectedEOF)
			}
		})
	}

	t.Run("NegativeBlob", func(t *testing.T) {
		if _, err := packet.NewScanner("\xff\xff\xff\xff").Blob(); err == nil {
			t.Error("Blob with negative length: got nil error")
		}
	})
	t.Run("Leftover", func(t *testing.T) {
		var v bool
		if err := packet.Parse(packet.NewScanner("\x01\x02"), packet.BoolField(&v)); err == nil {
			t.Error("Parse with unused input: got nil error")
		}
	})
	t.Run("Missing", func(t *testing.T) {
		var v string
		err := packet.Parse(packet.NewScanner(""), packet.StringField(&v))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("Parse of empty input: got %v, want %v", err, io.ErrUnexpectedEOF)
		}
	})
}

func TestScannerOffset(t *testing.T) {
	s := packet.NewScanner("\x03abc\x01rest")
	if _, err := s.String(); err != nil {
		t.Fatalf("String: %v", err)
	}
	if got := s.Offset(); got != 4 {
		t.Errorf("Offset: got %d, want 4", got)
	}
	if _, err := s.Bool(); err != nil {
		t.Fatalf("Bool: %v", err)
	}
	if got := string(s.Rest()); got != "rest" {
		t.Errorf("Rest: got %q, want %q", got, "rest")
	}
	if got, err := packet.Get[string](s, 10); err == nil {
		t.Errorf("Get past end: got %q, want error", got)
	}
}
