// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorilla/websocket"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		pkt := peerchat.NewPacket(5, []byte("hello"))
		if err := c.Send(pkt); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != pkt {
			t.Errorf("Packet: got %v, want %v", got, pkt)
		}
		return nil
	})
	g.Go(func() error {
		pkt, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(pkt); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if pkt, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if pkt, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

var testPackets = []*peerchat.Packet{
	{ID: 1},
	{ID: 27, Body: []byte("\x05hello")},
	{ID: 33, Body: []byte(strings.Repeat("compressible ", 500))},
	{ID: 2, Body: []byte{}},
}

// ignoreCompressed discards the wire compression flag, which depends on the
// body contents.
var ignoreCompressed = cmpopts.IgnoreFields(peerchat.Packet{}, "Compressed")

func TestIO(t *testing.T) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	c := channel.IO(cr, cw)
	s := channel.IO(sr, sw)

	g := taskgroup.New(nil)
	g.Go(func() error {
		defer c.Close()
		for _, pkt := range testPackets {
			if err := c.Send(pkt); err != nil {
				t.Errorf("Send %v: %v", pkt, err)
			}
		}
		return nil
	})

	for _, want := range testPackets {
		got, err := s.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got, ignoreCompressed, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Packet (-want, +got):\n%s", diff)
		}
	}
	if pkt, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv at end: got (%v, %v), want EOF", pkt, err)
	}
	g.Wait()
	s.Close()
}

func TestWebSocket(t *testing.T) {
	up := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		ch := channel.WebSocket(conn)
		defer ch.Close()

		// Echo packets until the client goes away.
		for {
			pkt, err := ch.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					t.Logf("Server Recv: %v", err)
				}
				close(done)
				return
			}
			if err := ch.Send(pkt); err != nil {
				t.Errorf("Server Send: %v", err)
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %q: %v", url, err)
	}
	c := channel.WebSocket(conn)
	for _, want := range testPackets {
		if err := c.Send(want); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if diff := cmp.Diff(want, got, ignoreCompressed, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Echo (-want, +got):\n%s", diff)
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	<-done
	c.Close()
}
