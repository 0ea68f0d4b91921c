// Package client implements the client side of a peerchat connection: one
// outbound connection to a server, with notifications for its lifecycle and
// local dispatch of inbound packets.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/channel"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Options are optional settings for a Client. A nil *Options is ready for
// use and provides defaults as described.
//
// The callbacks run synchronously on connection goroutines. They may send
// packets, but must not call Connect or Disconnect.
type Options struct {
	// Catalog routes inbound packets to local handlers. The handlers see a
	// zero connection ID. If nil, packets are only reported to OnPacket.
	Catalog *catalog.Catalog

	// OnConnected, if set, is called once each time a connection starts.
	OnConnected func()

	// OnDisconnected, if set, is called once each time a connection ends,
	// with nil if it closed cleanly or the error that ended it.
	OnDisconnected func(error)

	// OnPacket, if set, is called for each inbound packet before dispatch.
	OnPacket func(*peerchat.Packet)

	// OnConnectionRefused, if set, is called when Connect fails to reach
	// the server, with the same error Connect reports.
	OnConnectionRefused func(error)

	// LogPackets, if set, is installed as the packet logger of the
	// connection.
	LogPackets peerchat.PacketLogger

	// Logger receives connection logs. If nil, the logrus standard logger is
	// used.
	Logger logrus.FieldLogger

	// DialTimeout bounds the time to establish a connection. If zero, only
	// the context passed to Connect bounds it.
	DialTimeout time.Duration
}

var (
	// ErrNotConnected is reported by Send when the client has no connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrConnected is reported by Connect when the client already has a
	// live connection.
	ErrConnected = errors.New("client is already connected")
)

type session struct {
	peer *peerchat.Peer
	done chan struct{}
	err  error // set before done is closed
}

func (s *session) live() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// A Client manages a connection to a server at a fixed address. A client
// may connect again after its connection ends.
type Client struct {
	addr string
	opts Options
	log  logrus.FieldLogger

	μ   sync.Mutex // serializes Connect and Disconnect
	cur atomic.Pointer[session]
}

// New constructs an unconnected client for the server at addr. The address
// is either a TCP host:port, a Unix socket path, or a WebSocket URL with the
// scheme ws or wss.
func New(addr string, opts *Options) *Client {
	c := &Client{addr: addr, log: logrus.StandardLogger()}
	if opts != nil {
		c.opts = *opts
		if opts.Logger != nil {
			c.log = opts.Logger
		}
	}
	return c
}

// Addr reports the server address of c.
func (c *Client) Addr() string { return c.addr }

// Connected reports whether c has a live connection.
func (c *Client) Connected() bool {
	s := c.cur.Load()
	return s != nil && s.live()
}

// Connect dials the server and starts the connection. If the server cannot
// be reached, Connect raises the connection-refused notification and reports
// the error.
func (c *Client) Connect(ctx context.Context) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.Connected() {
		return ErrConnected
	}
	if s := c.cur.Load(); s != nil {
		s.peer.Wait()
	}

	ch, err := c.dial(ctx)
	if err != nil {
		err = fmt.Errorf("connect %q: %w", c.addr, err)
		c.log.WithField("addr", c.addr).Warn(err.Error())
		if c.opts.OnConnectionRefused != nil {
			c.opts.OnConnectionRefused(err)
		}
		return err
	}

	s := &session{done: make(chan struct{})}
	s.peer = peerchat.NewPeer().
		SetLogger(c.log).
		LogPackets(c.opts.LogPackets).
		OnPacket(c.opts.OnPacket).
		OnConnect(c.opts.OnConnected).
		OnExit(func(err error) {
			if err != nil {
				c.log.WithField("addr", c.addr).Warnf("connection lost: %v", err)
			}
			s.err = err
			close(s.done)
			if c.opts.OnDisconnected != nil {
				c.opts.OnDisconnected(err)
			}
		})
	if c.opts.Catalog != nil {
		s.peer.Dispatch(c.opts.Catalog)
	}
	c.cur.Store(s)
	s.peer.Start(ch)
	c.log.WithField("addr", c.addr).Debug("connected")
	return nil
}

func (c *Client) dial(ctx context.Context) (peerchat.Channel, error) {
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}
	network, address := peerchat.SplitAddress(c.addr)
	if network == "ws" {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
		if err != nil {
			return nil, err
		}
		return channel.WebSocket(conn), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return channel.Socket(conn), nil
}

// Send sends pkt to the server. It reports ErrNotConnected if c has no live
// connection.
func (c *Client) Send(pkt *peerchat.Packet) error {
	s := c.cur.Load()
	if s == nil || !s.live() {
		return ErrNotConnected
	}
	return s.peer.Send(pkt)
}

// Disconnect sends the disconnection notice to the server, closes the
// connection, and waits for it to end. If c is not connected, Disconnect
// does nothing and returns nil.
func (c *Client) Disconnect() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	s := c.cur.Load()
	if s == nil {
		return nil
	}
	return s.peer.Disconnect()
}

// Wait blocks until the current connection ends, and reports nil if it
// closed cleanly or the error that ended it. If c has never connected, Wait
// returns nil immediately.
func (c *Client) Wait() error {
	s := c.cur.Load()
	if s == nil {
		return nil
	}
	<-s.done
	s.peer.Wait()
	return s.err
}

// Peer returns the peer of the current connection, or nil if c has never
// connected.
func (c *Client) Peer() *peerchat.Peer {
	if s := c.cur.Load(); s != nil {
		return s.peer
	}
	return nil
}
