package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/transfer"
	"github.com/creachadair/peerchat/wire"
	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	μ    sync.Mutex
	pkts []*peerchat.Packet
}

func (r *recorder) Send(pkt *peerchat.Packet) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.pkts = append(r.pkts, pkt)
	return nil
}

func (r *recorder) take() []*peerchat.Packet {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := r.pkts
	r.pkts = nil
	return out
}

type testConsole struct {
	*console
	rec *recorder
	buf *bytes.Buffer
	cat *catalog.Catalog
}

func newTestConsole(t *testing.T, me peerchat.UserID) *testConsole {
	t.Helper()
	rec := new(recorder)
	buf := new(bytes.Buffer)
	con := newConsole(buf, rec, t.TempDir())
	con.me = me
	con.agent = transfer.NewAgent(transfer.NewLibrary(), transfer.NewDownloads(nil), rec, con.agentOptions())
	cat := catalog.New()
	con.register(cat)
	con.agent.Register(cat)
	cat.Freeze()
	return &testConsole{console: con, rec: rec, buf: buf, cat: cat}
}

func (tc *testConsole) deliver(t *testing.T, m wire.Message) {
	t.Helper()
	if !tc.cat.Dispatch(context.Background(), peerchat.ConnID{}, wire.Pack(m)) {
		t.Fatalf("No handler for %s", wire.Name(m.ID()))
	}
}

func (tc *testConsole) output() string {
	out := tc.buf.String()
	tc.buf.Reset()
	return out
}

func checkOutput(t *testing.T, got string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(got, w) {
			t.Errorf("Output missing %q:\n%s", w, got)
		}
	}
}

func TestExec(t *testing.T) {
	alice, bob := peerchat.NewUserID(), peerchat.NewUserID()
	tc := newTestConsole(t, alice)

	tests := []struct {
		line string
		want *peerchat.Packet
	}{
		{"/friends", wire.Empty(wire.IDFriendsListRequest)},
		{"  /content  ", wire.Empty(wire.IDContentRequest)},
		{"/name Zed Zedson", wire.Pack(wire.UpdateNameRequest{Name: "Zed Zedson"})},
		{"/avatar 4", wire.Pack(wire.UpdateAvatarRequest{Avatar: 4})},
		{"/add " + bob.String(), wire.Pack(wire.OutgoingFriendRequest{User: bob})},
		{"/accept " + bob.String(), wire.Pack(wire.AcceptFriendRequest{Sender: alice, Receiver: bob})},
		{"/remove " + bob.String(), wire.Pack(wire.FriendRemove{User: bob})},
		{"/msg " + bob.String() + " hello  there", wire.Pack(wire.MessageSent{User: bob, Text: "hello  there"})},
		{"/gif " + bob.String() + " https://example.com/cat.gif", wire.Pack(wire.GIFSent{
			User: bob, Source: "https://example.com/cat.gif",
		})},
	}
	for _, test := range tests {
		if err := tc.exec(test.line); err != nil {
			t.Errorf("exec(%q): unexpected error: %v", test.line, err)
			continue
		}
		if diff := cmp.Diff([]*peerchat.Packet{test.want}, tc.rec.take()); diff != "" {
			t.Errorf("exec(%q) sent (-want, +got):\n%s", test.line, diff)
		}
	}

	for _, bad := range []string{
		"/bogus",
		"hello",
		"/name",
		"/avatar many",
		"/add nobody",
		"/msg " + bob.String(),
		"/msg nobody hi",
		"/send " + bob.String() + " " + filepath.Join(t.TempDir(), "nonesuch"),
	} {
		if err := tc.exec(bad); err == nil || errors.Is(err, errQuit) {
			t.Errorf("exec(%q): got %v, want error", bad, err)
		}
		if got := tc.rec.take(); len(got) != 0 {
			t.Errorf("exec(%q): sent %v, want nothing", bad, got)
		}
	}

	if err := tc.exec(""); err != nil {
		t.Errorf("exec empty: %v", err)
	}
	if err := tc.exec("/quit"); !errors.Is(err, errQuit) {
		t.Errorf("exec /quit: got %v, want %v", err, errQuit)
	}
	if diff := cmp.Diff([]*peerchat.Packet{wire.Empty(wire.IDCloseSessionRequest)}, tc.rec.take()); diff != "" {
		t.Errorf("exec /quit sent (-want, +got):\n%s", diff)
	}
}

func TestEvents(t *testing.T) {
	alice, bob := peerchat.NewUserID(), peerchat.NewUserID()
	tc := newTestConsole(t, alice)

	tc.deliver(t, wire.MessageReceived{User: bob, Text: "hi"})
	checkOutput(t, tc.output(), "<"+bob.String()+"> hi")

	tc.deliver(t, wire.FriendRequest{User: bob, Name: "Bob", Avatar: 2})
	checkOutput(t, tc.output(), "friend request from Bob ("+bob.String()+"); /accept "+bob.String())

	tc.deliver(t, wire.FriendsListResponse{Friends: []wire.Friend{{User: bob, Online: true, Name: "Bob", Avatar: 2}}})
	checkOutput(t, tc.output(), "Bob", bob.String(), "online", "avatar 2")

	tc.deliver(t, wire.FriendNameUpdate{User: bob, Name: "Robert"})
	checkOutput(t, tc.output(), `Bob (`+bob.String()+`) is now "Robert"`)

	tc.deliver(t, wire.GIFReceived{User: bob, Source: "cat.gif"})
	checkOutput(t, tc.output(), "<Robert ("+bob.String()+")> [gif] cat.gif")

	tc.deliver(t, wire.FriendSessionClosed{User: bob})
	checkOutput(t, tc.output(), "Robert ("+bob.String()+") is offline")

	tc.deliver(t, wire.FriendsListResponse{})
	checkOutput(t, tc.output(), "no friends yet")
}

func TestLoginEvents(t *testing.T) {
	alice := peerchat.NewUserID()
	tc := newTestConsole(t, peerchat.UserID{})

	tc.deliver(t, wire.AccountResponse{User: alice})
	if got := <-tc.accounts; got != alice {
		t.Errorf("Account: got %v, want %v", got, alice)
	}
	for _, id := range []uint16{wire.IDCreateSessionResponse, wire.IDContinueSessionResponse} {
		// Repeated notices do not block.
		for range 2 {
			tc.cat.Dispatch(context.Background(), peerchat.ConnID{}, wire.Empty(id))
		}
	}
	<-tc.created
	<-tc.started
}

func TestDownload(t *testing.T) {
	alice, bob := peerchat.NewUserID(), peerchat.NewUserID()
	tc := newTestConsole(t, alice)

	tc.deliver(t, wire.AttachmentReceived{User: bob, Attachment: "a1", Size: "5", Name: "../notes.txt"})
	checkOutput(t, tc.output(), `[file] "../notes.txt" (5 bytes); /get `+bob.String()+" a1")

	if err := tc.exec("/get " + bob.String() + " a1"); err != nil {
		t.Fatalf("exec /get: %v", err)
	}
	want := []*peerchat.Packet{wire.Pack(wire.AttachmentDownloadRequest{User: bob, Attachment: "a1"})}
	if diff := cmp.Diff(want, tc.rec.take()); diff != "" {
		t.Errorf("Download request (-want, +got):\n%s", diff)
	}
	if err := tc.exec("/get " + bob.String() + " a1"); !errors.Is(err, transfer.ErrInProgress) {
		t.Errorf("exec /get again: got %v, want %v", err, transfer.ErrInProgress)
	}

	tc.deliver(t, wire.AttachmentChunkResponse{User: bob, Attachment: "a1", Count: 1, Index: 0, Data: []byte("hello")})
	path := filepath.Join(tc.dir, "notes.txt")
	checkOutput(t, tc.output(), "../notes.txt: 100%", "saved "+path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := string(data); got != "hello" {
		t.Errorf("Downloaded: got %q, want hello", got)
	}
}
