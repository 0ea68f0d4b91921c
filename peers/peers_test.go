// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/channel"
	"github.com/creachadair/peerchat/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.IOChannel{})
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

// echo is a handler that sends each packet back to the peer it came from.
func echo(ctx context.Context, _ peerchat.ConnID, pkt *peerchat.Packet) {
	time.Sleep(3 * time.Millisecond)
	peerchat.ContextPeer(ctx).Send(pkt)
}

// dialPeer connects a client peer to addr that reports every inbound packet
// on the returned channel.
func dialPeer(t *testing.T, addr string) (*peerchat.Peer, <-chan *peerchat.Packet, error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	recv := make(chan *peerchat.Packet, 16)
	peer := peerchat.NewPeer().OnPacket(func(pkt *peerchat.Packet) { recv <- pkt })
	return peer.Start(channel.Socket(conn)), recv, nil
}

func recvPacket(t *testing.T, recv <-chan *peerchat.Packet) *peerchat.Packet {
	t.Helper()
	select {
	case pkt := <-recv:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a packet")
		return nil
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	cat := catalog.New().Handle(100, echo).Freeze()
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), func() *peerchat.Peer {
			return peerchat.NewPeer().Dispatch(cat)
		})
	})
	t.Log("Started peer loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			peer, recv, err := dialPeer(t, addr)
			if err != nil {
				return err
			}
			for j := range numCalls {
				want := string(rune('a'+i)) + strings.Repeat("x", j)
				if err := peer.Send(peerchat.NewPacket(100, []byte(want))); err != nil {
					t.Errorf("Send %d: %v", j+1, err)
				}
				if got := recvPacket(t, recv); string(got.Body) != want {
					t.Errorf("Echo %d: got %q, want %q", j+1, got.Body, want)
				}
			}
			return peer.Disconnect()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	got := make(chan string, 1)
	cat := catalog.New().Handle(1, func(_ context.Context, _ peerchat.ConnID, pkt *peerchat.Packet) {
		got <- string(pkt.Body)
	}).Freeze()

	loc := peers.NewLocal(nil, cat)
	if err := loc.A.Send(peerchat.NewPacket(1, []byte("hello"))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s := <-got; s != "hello" {
		t.Errorf("Received %q, want hello", s)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func TestServer(t *testing.T) {
	defer leaktest.Check(t)()

	connected := make(chan peerchat.ConnID, 8)
	gone := make(chan peerchat.ConnID, 8)
	srv := peers.NewServer(&peers.ServerOptions{
		Dispatcher:   catalog.New().Handle(100, echo).Freeze(),
		OnConnect:    func(id peerchat.ConnID) { connected <- id },
		OnDisconnect: func(id peerchat.ConnID) { gone <- id },
	})
	addr, err := srv.Listen(t.Context(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	const numClients = 3
	var clients []*peerchat.Peer
	var recvs []<-chan *peerchat.Packet
	ids := make(map[peerchat.ConnID]bool)
	for range numClients {
		peer, recv, err := dialPeer(t, addr.String())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		clients = append(clients, peer)
		recvs = append(recvs, recv)

		// Wait for the server to register each connection.
		select {
		case id := <-connected:
			if id.IsZero() || ids[id] {
				t.Errorf("Connection ID %v is zero or duplicated", id)
			}
			ids[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for connection")
		}
	}
	if n := srv.Len(); n != numClients {
		t.Errorf("Len: got %d, want %d", n, numClients)
	}
	conns := srv.Conns()
	if len(conns) != numClients {
		t.Fatalf("Conns: got %d, want %d", len(conns), numClients)
	}

	t.Run("Echo", func(t *testing.T) {
		clients[0].Send(peerchat.NewPacket(100, []byte("ping")))
		if got := recvPacket(t, recvs[0]); string(got.Body) != "ping" {
			t.Errorf("Echo: got %q, want ping", got.Body)
		}
	})

	t.Run("SendUnknown", func(t *testing.T) {
		if err := srv.Send(peerchat.NewConnID(), peerchat.NewPacket(5, nil)); err != nil {
			t.Errorf("Send to unknown connection: got %v, want nil", err)
		}
	})

	t.Run("Broadcast", func(t *testing.T) {
		// Send a marker directly to each client first, so each recipient can
		// learn which connection ID it holds.
		mine := make(map[peerchat.ConnID]int)
		for _, id := range conns {
			if err := srv.Send(id, peerchat.NewPacket(7, []byte(id.String()))); err != nil {
				t.Fatalf("Send %v: %v", id, err)
			}
		}
		for i, recv := range recvs {
			pkt := recvPacket(t, recv)
			for _, id := range conns {
				if id.String() == string(pkt.Body) {
					mine[id] = i
				}
			}
		}
		if len(mine) != numClients {
			t.Fatalf("Marker delivery: got %d distinct, want %d", len(mine), numClients)
		}

		except := conns[1]
		srv.Broadcast(except, peerchat.NewPacket(8, []byte("all")))
		for _, id := range conns {
			if id == except {
				continue
			}
			if pkt := recvPacket(t, recvs[mine[id]]); pkt.ID != 8 {
				t.Errorf("Broadcast to %v: got packet %d, want 8", id, pkt.ID)
			}
		}
		select {
		case pkt := <-recvs[mine[except]]:
			t.Errorf("Excluded connection received %v", pkt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("ClientDisconnect", func(t *testing.T) {
		if err := clients[2].Disconnect(); err != nil {
			t.Errorf("Disconnect: unexpected error: %v", err)
		}
		select {
		case id := <-gone:
			if !ids[id] {
				t.Errorf("OnDisconnect reported unknown ID %v", id)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for disconnect")
		}
		if n := srv.Len(); n != numClients-1 {
			t.Errorf("Len after disconnect: got %d, want %d", n, numClients-1)
		}
	})

	if err := srv.Shutdown(); err != nil {
		t.Errorf("Shutdown: unexpected error: %v", err)
	}
	for i, c := range clients[:2] {
		if err := c.Wait(); err != nil {
			t.Errorf("Client %d Wait: got %v, want nil", i+1, err)
		}
	}
	if n := srv.Len(); n != 0 {
		t.Errorf("Len after shutdown: got %d, want 0", n)
	}
	if _, err := srv.Listen(t.Context(), "127.0.0.1:0"); !errors.Is(err, peers.ErrServerClosed) {
		t.Errorf("Listen after shutdown: got %v, want %v", err, peers.ErrServerClosed)
	}
}

func TestServeWebSocket(t *testing.T) {
	defer leaktest.Check(t)()

	srv := peers.NewServer(&peers.ServerOptions{
		Dispatcher: catalog.New().Handle(100, echo).Freeze(),
	})
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeWebSocket))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %q: %v", url, err)
	}
	recv := make(chan *peerchat.Packet, 1)
	peer := peerchat.NewPeer().OnPacket(func(pkt *peerchat.Packet) { recv <- pkt }).
		Start(channel.WebSocket(conn))

	peer.Send(peerchat.NewPacket(100, []byte("over websocket")))
	if got := recvPacket(t, recv); string(got.Body) != "over websocket" {
		t.Errorf("Echo: got %q, want %q", got.Body, "over websocket")
	}
	if err := srv.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := peer.Wait(); err != nil {
		t.Errorf("Wait: got %v, want nil", err)
	}
}
