// Package peers provides the connection-accepting side of a peerchat server,
// and support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *peerchat.Peer
	B *peerchat.Peer
}

// Stop disconnects both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Disconnect()
	berr := p.B.Wait()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding. The dispatchers, if non-nil, are installed
// on A and B respectively before they start.
func NewLocal(da, db peerchat.Dispatcher) *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: peerchat.NewPeer().Dispatch(da).Start(a2b),
		B: peerchat.NewPeer().Dispatch(db).Start(b2a),
	}
}

// An Accepter produces channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (peerchat.Channel, error)
}

// Loop accepts connections from acc and starts a peer for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// The newPeer function is called once per accepted connection to construct an
// unstarted peer, which Loop starts on the new channel. When ctx terminates,
// all running peers are disconnected. When acc closes, the loop waits for
// running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *peerchat.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer().Start(ch)
			go func() { <-sctx.Done(); peer.Disconnect() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// sockets are wrapped with channel.Socket.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (peerchat.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Socket(conn), nil
}
