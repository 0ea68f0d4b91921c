// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerchat

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Dispatcher routes an inbound packet to a local handler, and reports
// whether a handler accepted it.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn ConnID, pkt *Packet) bool
}

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// ErrClosed is reported by Send on a peer that is not running.
var ErrClosed = errors.New("connection closed")

// A Peer owns one end of a live connection. A zero-valued Peer is ready for
// use, but must not be copied after any method has been called.
//
// Call Start with a channel to start the receive loop for the peer. Once
// started, a peer runs until Disconnect is called, the remote peer sends a
// disconnection notice, or the channel fails. Use Wait to wait for the peer to
// exit and report its status.
//
// Callbacks (OnConnect, OnPacket, OnExit, LogPackets) and the dispatcher
// should be set before Start. Send is safe for concurrent use by multiple
// goroutines; concurrent sends are delivered one whole frame at a time.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	id      ConnID
	err     error                  // the reason the peer stopped
	closing bool                   // Disconnect was called
	disp    Dispatcher             // local handlers
	plog    PacketLogger           // what it says on the tin
	base    func() context.Context // return a new base context
	log     logrus.FieldLogger

	onConn func()
	onPkt  func(*Packet)
	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// SetID sets the connection ID reported to handlers, and returns p to
// permit chaining.
func (p *Peer) SetID(id ConnID) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.id = id
	return p
}

// ID reports the connection ID of p.
func (p *Peer) ID() ConnID {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.id
}

// Start starts the peer running on the given channel and raises the connect
// notification. Start does not block; call Wait to wait for the peer to exit
// and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	if p.in != nil {
		p.μ.Unlock()
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()
	p.err = nil
	p.closing = false
	if p.base == nil {
		p.base = context.Background
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	onConn := p.onConn
	p.μ.Unlock()

	rootMetrics.peerActive.Add(1)
	if onConn != nil {
		onConn()
	}

	g.Go(func() error {
		defer rootMetrics.peerActive.Add(-1)
		for {
			pkt, err := ch.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			rootMetrics.packetRecv.Add(1)
			if pkt.Compressed {
				rootMetrics.packetCompressed.Add(1)
			}
			if pkt.IsSentinel() {
				p.logPacket(pkt, false)
				p.fail(io.EOF)
				return nil
			}
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})

	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return rootMetrics.emap }

// Disconnect sends a disconnection notice to the remote peer, closes the
// channel, and blocks until the receive loop has exited. Errors caused by
// closing the channel are not reported. If p is not running, Disconnect does
// nothing and returns nil.
func (p *Peer) Disconnect() error {
	p.μ.Lock()
	if p.in == nil {
		p.μ.Unlock()
		return nil
	}
	p.closing = true
	p.μ.Unlock()

	p.sendOut(NewPacket(IDDisconnect, nil)) // best effort
	p.closeOut()
	return p.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the peer with a new
// channel.
//
// If p is not running, was disconnected locally, or was disconnected by the
// remote peer, Wait returns nil; otherwise it returns the I/O error that ended
// the connection.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	return p.err
}

// Send sends a packet to the remote peer.
//
// A packet whose frame exceeds MaxFrameSize is dropped with a warning and
// Send reports ErrTooLarge; the connection is not affected. Any other error
// closes the channel, which ends the peer through the usual disconnect path.
func (p *Peer) Send(pkt *Packet) error {
	if pkt.IsSentinel() {
		return fmt.Errorf("packet ID %d is reserved", pkt.ID)
	}
	err := p.sendOut(pkt)
	if errors.Is(err, ErrTooLarge) {
		rootMetrics.packetOversize.Add(1)
		p.logger().WithFields(logrus.Fields{
			"conn":   p.ID(),
			"packet": pkt.ID,
			"size":   len(pkt.Body),
		}).Warn("dropping oversized packet")
		return err
	} else if err != nil && !errors.Is(err, ErrClosed) {
		p.closeOut()
	}
	return err
}

// Dispatch sets the dispatcher used to route inbound packets to local
// handlers, and returns p to permit chaining. Passing nil removes the
// dispatcher.
func (p *Peer) Dispatch(d Dispatcher) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.disp = d
	return p
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to be
// discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or calling a packet handler.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// SetLogger sets the logger used for warnings about p, and returns p to
// permit chaining. By default the logrus standard logger is used.
func (p *Peer) SetLogger(log logrus.FieldLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.log = log
	return p
}

// OnConnect registers a callback invoked once when the peer starts.
func (p *Peer) OnConnect(f func()) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onConn = f
	return p
}

// OnPacket registers a callback that receives every inbound packet other than
// a disconnection notice, whether or not a local handler accepts it. The
// callback runs on the receive goroutine before dispatch.
func (p *Peer) OnPacket(f func(*Packet)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onPkt = f
	return p
}

// OnExit registers a callback to be invoked when the peer terminates. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for packet handlers. If it is not set a background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// fail closes the channel, records the exit status, and raises the exit
// notification. It is called once, from the receive loop.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	if p.closing || treatErrorAsSuccess(err) {
		err = nil
	}
	p.err = err
	onExit := p.onExit
	p.μ.Unlock()

	if onExit != nil {
		onExit(err)
	}
}

// dispatchPacket routes an inbound packet to the packet callback and the
// dispatcher. Any error it reports is fatal to the connection.
func (p *Peer) dispatchPacket(pkt *Packet) (err error) {
	p.logPacket(pkt, false)

	p.μ.Lock()
	id, disp, onPkt := p.id, p.disp, p.onPkt
	ctx := context.WithValue(p.base(), peerContextKey{}, p)
	p.μ.Unlock()

	// Ensure a panic out of a handler is turned into a connection failure.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("packet handler panicked (recovered): %v", x)
		}
	}()
	if onPkt != nil {
		onPkt(pkt)
	}
	if disp == nil || !disp.Dispatch(ctx, id, pkt) {
		rootMetrics.packetUnhandled.Add(1)
	}
	return nil
}

func (p *Peer) logPacket(pkt *Packet, sent bool) {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: sent})
	}
}

func (p *Peer) logger() logrus.FieldLogger {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.log == nil {
		return logrus.StandardLogger()
	}
	return p.log
}

func (p *Peer) sendOut(pkt *Packet) error {
	p.logPacket(pkt, true)
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return ErrClosed
	}
	if err := p.out.ch.Send(pkt); err != nil {
		return err
	}
	rootMetrics.packetSent.Add(1)
	return nil
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a packet handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s has the prefix "ws://" or "wss://", the network is "ws" and the
// address is the complete URL.
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		return "ws", s
	}
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
