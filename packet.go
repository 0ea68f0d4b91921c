// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerchat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/creachadair/mds/value"
	"github.com/klauspost/compress/gzip"
)

const (
	// MaxFrameSize is the largest frame, in bytes, that may follow a length
	// prefix on the wire. Larger packets are never sent.
	MaxFrameSize = 1 << 24

	// IDDisconnect is the reserved packet ID announcing a graceful disconnect.
	// It is never delivered to handlers.
	IDDisconnect uint16 = 0xFFFF

	frameHeaderLen = 3 // 2 ID, 1 compressed flag
)

// ErrTooLarge is reported for a frame that exceeds MaxFrameSize.
var ErrTooLarge = errors.New("frame exceeds maximum size")

// Packet is the parsed format of a peerchat frame.
//
// Body always holds the uncompressed field data. Compressed reports whether
// the frame carrying a received packet was compressed on the wire; it is
// ignored when sending, where compression is chosen by the encoder.
type Packet struct {
	ID         uint16
	Compressed bool
	Body       []byte
}

// NewPacket constructs a packet with the given ID and body.
func NewPacket(id uint16, body []byte) *Packet { return &Packet{ID: id, Body: body} }

// IsSentinel reports whether p is a disconnection notice.
func (p *Packet) IsSentinel() bool { return p.ID == IDDisconnect }

// Encode encodes p as a frame, without the length prefix. The body is
// compressed if the compressed form is no larger than the original.  Encode
// reports ErrTooLarge if the resulting frame exceeds MaxFrameSize.
func (p *Packet) Encode() ([]byte, error) {
	body, ok, err := compress(p.Body)
	if err != nil {
		return nil, fmt.Errorf("compress packet %d: %w", p.ID, err)
	}
	if n := frameHeaderLen + len(body); n > MaxFrameSize {
		return nil, fmt.Errorf("packet %d (%d bytes): %w", p.ID, n, ErrTooLarge)
	}
	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(body))
	binary.LittleEndian.PutUint16(frame, p.ID)
	frame[2] = value.Cond[byte](ok, 1, 0)
	return append(frame, body...), nil
}

// Decode decodes a frame (without the length prefix) into p.
func (p *Packet) Decode(frame []byte) error {
	if len(frame) < frameHeaderLen {
		return fmt.Errorf("short frame (%d bytes)", len(frame))
	}
	id := binary.LittleEndian.Uint16(frame)
	var body []byte
	switch frame[2] {
	case 0:
		body = frame[frameHeaderLen:]
	case 1:
		var err error
		body, err = decompress(frame[frameHeaderLen:])
		if err != nil {
			return fmt.Errorf("packet %d: %w", id, err)
		}
	default:
		return fmt.Errorf("packet %d: invalid compression flag %d", id, frame[2])
	}
	p.ID = id
	p.Compressed = frame[2] == 1
	p.Body = body
	return nil
}

// WriteTo writes the packet to w as a length prefix and a frame. It satisfies
// io.WriterTo. The prefix and frame are delivered in a single write.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	frame, err := p.Encode()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 4, 4+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
	nw, err := w.Write(append(buf, frame...))
	return int64(nw), err
}

// ReadFrom reads a length prefix and frame from r and decodes it into p. It
// satisfies io.ReaderFrom.
//
// If r is exhausted before the first byte of the prefix, ReadFrom reports
// io.EOF. A prefix or frame cut short reports io.ErrUnexpectedEOF.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var hdr [4]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(nr), fmt.Errorf("short length prefix: %w", err)
		}
		return int64(nr), err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return int64(nr), fmt.Errorf("frame length %d: %w", size, ErrTooLarge)
	} else if size < frameHeaderLen {
		return int64(nr), fmt.Errorf("invalid frame length %d", size)
	}
	frame := make([]byte, int(size))
	nf, err := io.ReadFull(r, frame)
	nr += nf
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return int64(nr), fmt.Errorf("short frame: %w", err)
	}
	return int64(nr), p.Decode(frame)
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	if p.IsSentinel() {
		return "Packet(DISCONNECT)"
	}
	z := ""
	if p.Compressed {
		z = ", compressed"
	}
	return fmt.Sprintf("Packet(%d%s, %d bytes)", p.ID, z, len(p.Body))
}

var gzipWriters = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}

// compress reports the gzip compression of body if it is no larger than
// body, or else body itself. The flag reports which was returned.
func compress(body []byte) ([]byte, bool, error) {
	var buf bytes.Buffer
	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)
	zw.Reset(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	if buf.Len() <= len(body) {
		return buf.Bytes(), true, nil
	}
	return body, false, nil
}

// decompress reverses compress. The output is limited to MaxFrameSize bytes.
func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid compressed body: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("invalid compressed body: %w", err)
	} else if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("decompressed body: %w", ErrTooLarge)
	}
	return out, nil
}
