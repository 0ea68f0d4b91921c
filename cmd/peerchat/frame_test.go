package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/packet"
	"github.com/creachadair/peerchat/wire"
	"github.com/google/go-cmp/cmp"
)

func TestFormatData(t *testing.T) {
	const user = "3f1c2a9e-5b7d-4c21-9a8e-0d6f4b3c2e1a"
	build := func(f func(b *packet.Builder)) []byte {
		var b packet.Builder
		f(&b)
		return b.Bytes()
	}
	tests := []struct {
		pat  string
		args []string
		want []byte
	}{
		{"", nil, nil},
		{"us", []string{user, "hello"}, build(func(b *packet.Builder) {
			b.String(user)
			b.String("hello")
		})},
		{"i 2 4 b", []string{"-1", "513", "7", "true"}, build(func(b *packet.Builder) {
			b.Int32(-1)
			b.Uint16(513)
			b.Uint32(7)
			b.Bool(true)
		})},
		{"s(si)", []string{"a", "b", "5"}, build(func(b *packet.Builder) {
			var sub packet.Builder
			sub.String("b")
			sub.Int32(5)
			b.String("a")
			b.Blob(sub.Bytes())
		})},
		{"(())", nil, build(func(b *packet.Builder) {
			var sub packet.Builder
			sub.Blob(nil)
			b.Blob(sub.Bytes())
		})},
		{"x r", []string{"ff00", "hi"}, []byte{0xff, 0, 'h', 'i'}},
		{"q", []string{`a\tb`}, build(func(b *packet.Builder) { b.String("a\tb") })},
	}
	for _, tc := range tests {
		enc, rest, err := formatData(tc.pat, tc.args)
		if err != nil {
			t.Errorf("formatData(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if len(rest) != 0 {
			t.Errorf("formatData(%q, %q): unused arguments %q", tc.pat, tc.args, rest)
		}
		if got := enc.Bytes(); !bytes.Equal(got, tc.want) {
			t.Errorf("formatData(%q, %q):\ngot  %#x\nwant %#x", tc.pat, tc.args, got, tc.want)
		}
	}

	if _, rest, err := formatData("s", []string{"a", "b"}); err != nil {
		t.Errorf("formatData: unexpected error: %v", err)
	} else if diff := cmp.Diff([]string{"b"}, rest); diff != "" {
		t.Errorf("Remaining arguments (-want, +got):\n%s", diff)
	}

	for _, tc := range []struct {
		pat  string
		args []string
	}{
		{"z", []string{"x"}},
		{"s", nil},
		{"(s", []string{"x"}},
		{"(z)", []string{"x"}},
		{"i", []string{"many"}},
		{"2", []string{"70000"}},
		{"b", []string{"maybe"}},
		{"u", []string{"bogus"}},
		{"x", []string{"zz"}},
		{"q", []string{`\q`}},
	} {
		if enc, _, err := formatData(tc.pat, tc.args); err == nil {
			t.Errorf("formatData(%q, %q): got %#x, want error", tc.pat, tc.args, enc.Bytes())
		}
	}
}

func TestParseID(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint16
	}{
		{"MessageSent", wire.IDMessageSent},
		{"Disconnect", peerchat.IDDisconnect},
		{"27", 27},
		{"500", 500},
	} {
		got, err := parseID(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("parseID(%q): got (%d, %v), want %d", tc.in, got, err, tc.want)
		}
	}
	for _, bad := range []string{"", "Bogus", "-1", "70000"} {
		if got, err := parseID(bad); err == nil {
			t.Errorf("parseID(%q): got %d, want error", bad, got)
		}
	}
}

func TestDecodeFrames(t *testing.T) {
	alice := peerchat.NewUserID()
	var in bytes.Buffer
	for _, pkt := range []*peerchat.Packet{
		wire.Pack(wire.MessageSent{User: alice, Text: "hi"}),
		wire.Empty(wire.IDAccountRequest),
		peerchat.NewPacket(500, []byte{1, 2}),
	} {
		if _, err := pkt.WriteTo(&in); err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
	}

	var out bytes.Buffer
	if err := decodeFrames(bytes.NewReader(in.Bytes()), &out); err != nil {
		t.Fatalf("decodeFrames: unexpected error: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"MessageSent Packet(27,",
		"User:" + alice.String() + " Text:hi}",
		"AccountRequest Packet(0, 0 bytes)",
		"ID:500 Packet(500, 2 bytes)",
		"error: unknown packet identifier 500",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Output missing %q:\n%s", want, got)
		}
	}

	// A truncated frame is an error.
	trunc := in.Bytes()[:in.Len()-1]
	if err := decodeFrames(bytes.NewReader(trunc), &out); err == nil {
		t.Error("decodeFrames truncated: got nil error, want error")
	}
}
