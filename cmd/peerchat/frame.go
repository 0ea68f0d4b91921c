package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/packet"
	"github.com/creachadair/peerchat/wire"
)

const frameHelp = `Pack arguments into a framed packet and write it to stdout.

The packet is a wire name (for example MessageSent) or a decimal identifier.
The pattern specifies the sequence of fields in the packet body. Whitespace in
the pattern is ignored; otherwise each word consumes one argument:

  s  : a string with a varint length prefix
  q  : a quoted string (Go style), encoded like s
  u  : a user ID, checked and encoded like s
  i  : an int32 value (4 bytes)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  b  : a Boolean constant (true or false, 1 byte)
  r  : a raw literal string encoded without framing
  x  : hex-encoded bytes encoded without framing

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents as a blob, with an int32
length prefix. Subpatterns may be nested.

For example:

  frame MessageSent 'us' 8a7b6c5d-4e3f-4a1b-8c2d-1e0f9a8b7c6d hello
`

func runFrame(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing packet identifier")
	}
	id, err := parseID(env.Args[0])
	if err != nil {
		return err
	}
	var body []byte
	if len(env.Args) > 1 {
		enc, rest, err := formatData(env.Args[1], env.Args[2:])
		if err != nil {
			return err
		} else if len(rest) != 0 {
			return fmt.Errorf("extra arguments: %q", rest)
		}
		body = enc.Bytes()
	}
	_, err = peerchat.NewPacket(id, body).WriteTo(os.Stdout)
	return err
}

func runDecode(env *command.Env) error {
	var in io.Reader = os.Stdin
	switch len(env.Args) {
	case 0:
	case 1:
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	default:
		return env.Usagef("extra arguments: %q", env.Args[1:])
	}
	return decodeFrames(bufio.NewReader(in), os.Stdout)
}

// decodeFrames reads framed packets from r until it is exhausted, and writes
// a description of each to w.
func decodeFrames(r io.Reader, w io.Writer) error {
	for {
		var pkt peerchat.Packet
		if _, err := pkt.ReadFrom(r); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %v\n", wire.Name(pkt.ID), &pkt)
		m, err := wire.Decode(&pkt)
		if err != nil {
			fmt.Fprintf(w, "  error: %v\n", err)
			fmt.Fprint(w, hex.Dump(pkt.Body))
		} else if m != nil {
			fmt.Fprintf(w, "  %+v\n", m)
		}
	}
}

// parseID parses a packet identifier given by name or number.
func parseID(s string) (uint16, error) {
	if id, ok := wire.Lookup(s); ok {
		return id, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown packet %q", s)
	}
	return uint16(v), nil
}

func formatData(pat string, args []string) (*packet.Builder, []string, error) {
	var enc packet.Builder
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 's', 'q', 'u', 'i', '2', '4', 'b', 'r', 'x':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, nil, errors.New("missing close parenthesis")
			}
			sd, sa, err := formatData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			enc.Blob(sd.Bytes())
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 's':
			enc.String(args[0])
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			enc.String(dec)
		case 'u':
			u, err := peerchat.ParseUserID(args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid user ID: %w", err)
			}
			enc.String(u.String())
		case 'i':
			v, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid int32: %w", err)
			}
			enc.Int32(int32(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint16: %w", err)
			}
			enc.Uint16(uint16(v))
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint32: %w", err)
			}
			enc.Uint32(uint32(v))
		case 'b':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			enc.Bool(v)
		case 'r':
			enc.Put([]byte(args[0])...)
		case 'x':
			v, err := hex.DecodeString(args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid hex: %w", err)
			}
			enc.Put(v...)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return &enc, args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
