// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the peerchat.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/creachadair/peerchat"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B peerchat.Channel) {
	a2b := make(chan *peerchat.Packet)
	b2a := make(chan *peerchat.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *peerchat.Packet
	b2a <-chan *peerchat.Packet
}

// Send implements a method of the [peerchat.Channel] interface.
func (d direct) Send(pkt *peerchat.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [peerchat.Channel] interface.
func (d direct) Recv() (*peerchat.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [peerchat.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// KeepAlivePeriod is the TCP keep-alive interval set by Socket.
const KeepAlivePeriod = 30 * time.Second

// Socket constructs an IO channel on conn. If conn is a TCP connection,
// keep-alive is enabled so that half-open peers are eventually detected, and
// Nagle's algorithm is disabled.
func Socket(conn net.Conn) IOChannel {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(KeepAlivePeriod)
	}
	return IO(conn, conn)
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [peerchat.Channel] interface.  If the
// packet is too large to send, Send reports [peerchat.ErrTooLarge] and
// nothing is written.
func (c IOChannel) Send(pkt *peerchat.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [peerchat.Channel] interface.
func (c IOChannel) Recv() (*peerchat.Packet, error) {
	var pkt peerchat.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [peerchat.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
