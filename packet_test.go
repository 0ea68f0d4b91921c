// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerchat_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/creachadair/peerchat"
	"github.com/google/go-cmp/cmp"
)

func noise(n int) []byte {
	buf := make([]byte, n)
	rand.NewChaCha8([32]byte{7}).Read(buf)
	return buf
}

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		id         uint16
		body       []byte
		compressed bool
	}{
		{"Empty", 0, nil, false},
		{"Short", 27, []byte("hello"), false},
		{"Noise", 33, noise(1000), false},
		{"Repetitive", 12, bytes.Repeat([]byte("abcd"), 5000), true},
		{"Sentinel", peerchat.IDDisconnect, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			nw, err := peerchat.NewPacket(tc.id, tc.body).WriteTo(&buf)
			if err != nil {
				t.Fatalf("WriteTo: unexpected error: %v", err)
			}
			if int(nw) != buf.Len() {
				t.Errorf("WriteTo: reported %d bytes, wrote %d", nw, buf.Len())
			}
			if n := binary.LittleEndian.Uint32(buf.Bytes()); int(n) != buf.Len()-4 {
				t.Errorf("Length prefix: got %d, want %d", n, buf.Len()-4)
			}

			var got peerchat.Packet
			nr, err := got.ReadFrom(&buf)
			if err != nil {
				t.Fatalf("ReadFrom: unexpected error: %v", err)
			}
			if nr != nw {
				t.Errorf("ReadFrom: read %d bytes, want %d", nr, nw)
			}
			if got.ID != tc.id {
				t.Errorf("ID: got %d, want %d", got.ID, tc.id)
			}
			if got.Compressed != tc.compressed {
				t.Errorf("Compressed: got %v, want %v", got.Compressed, tc.compressed)
			}
			if !bytes.Equal(got.Body, tc.body) {
				t.Errorf("Body: got %d bytes, want %d", len(got.Body), len(tc.body))
			}
		})
	}
}

func TestPacketLayout(t *testing.T) {
	var buf bytes.Buffer
	if _, err := peerchat.NewPacket(0x0102, []byte("xyz")).WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	want := []byte{
		6, 0, 0, 0, // length of the frame
		0x02, 0x01, // ID, little-endian
		0,             // not compressed
		'x', 'y', 'z', // body
	}
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("Encoded packet (-want, +got):\n%s", diff)
	}
}

func TestReadFromErrors(t *testing.T) {
	frame := func(size uint32, rest ...byte) []byte {
		return append(binary.LittleEndian.AppendUint32(nil, size), rest...)
	}
	tests := []struct {
		name  string
		input []byte
		want  error // if nil, any error is acceptable
	}{
		{"Empty", nil, io.EOF},
		{"ShortPrefix", []byte{5, 0}, io.ErrUnexpectedEOF},
		{"ShortFrame", frame(10, 1, 0, 0, 'a'), io.ErrUnexpectedEOF},
		{"TooLarge", frame(peerchat.MaxFrameSize + 1), peerchat.ErrTooLarge},
		{"TinyFrame", frame(2, 1, 0), nil},
		{"BadFlag", frame(3, 1, 0, 2), nil},
		{"BadGzip", frame(6, 1, 0, 1, 'b', 'a', 'd'), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var pkt peerchat.Packet
			_, err := pkt.ReadFrom(bytes.NewReader(tc.input))
			if err == nil {
				t.Fatalf("ReadFrom: got %v, want error", &pkt)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("ReadFrom: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := peerchat.NewPacket(1, noise(peerchat.MaxFrameSize)).Encode()
	if !errors.Is(err, peerchat.ErrTooLarge) {
		t.Errorf("Encode: got %v, want %v", err, peerchat.ErrTooLarge)
	}

	// A large body that compresses below the limit is fine.
	frame, err := peerchat.NewPacket(1, make([]byte, peerchat.MaxFrameSize)).Encode()
	if err != nil {
		t.Fatalf("Encode compressible: unexpected error: %v", err)
	}
	if frame[2] != 1 {
		t.Errorf("Encode compressible: flag is %d, want 1", frame[2])
	}
}

func TestPacketString(t *testing.T) {
	tests := []struct {
		pkt  *peerchat.Packet
		want string
	}{
		{peerchat.NewPacket(3, []byte("abc")), "Packet(3, 3 bytes)"},
		{&peerchat.Packet{ID: 12, Compressed: true, Body: make([]byte, 100)}, "Packet(12, compressed, 100 bytes)"},
		{peerchat.NewPacket(peerchat.IDDisconnect, nil), "Packet(DISCONNECT)"},
	}
	for _, tc := range tests {
		if got := tc.pkt.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
}
