// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/peerchat"
	"github.com/gorilla/websocket"
)

// WebSocket constructs a channel that exchanges packets over conn. Each packet
// is carried in one binary message holding the length prefix and frame, so the
// message payload is byte-identical to the stream encoding.
func WebSocket(conn *websocket.Conn) WSChannel {
	conn.SetReadLimit(peerchat.MaxFrameSize + 4)
	return WSChannel{conn: conn}
}

// A WSChannel sends and receives packets on a WebSocket connection.
type WSChannel struct {
	conn *websocket.Conn
}

// Send implements a method of the [peerchat.Channel] interface.
func (c WSChannel) Send(pkt *peerchat.Packet) error {
	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// Recv implements a method of the [peerchat.Channel] interface. A normal
// close from the remote end is reported as io.EOF.
func (c WSChannel) Recv() (*peerchat.Packet, error) {
	for {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue // ignore text messages
		}
		var pkt peerchat.Packet
		if _, err := pkt.ReadFrom(r); err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("empty message: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		return &pkt, nil
	}
}

// Close implements a method of the [peerchat.Channel] interface.
func (c WSChannel) Close() error { return c.conn.Close() }
