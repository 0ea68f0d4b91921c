package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/handler"
	"github.com/creachadair/peerchat/transfer"
	"github.com/creachadair/peerchat/wire"
)

// errQuit is reported by exec when the user ends the session.
var errQuit = errors.New("quit")

// A console presents the events of a chat session as text, and turns lines
// of user input into requests.
type console struct {
	out   transfer.Sender
	agent *transfer.Agent
	dir   string // where downloads are written

	μ      sync.Mutex
	w      io.Writer
	me     peerchat.UserID
	names  map[peerchat.UserID]string
	offers map[transfer.Key]string // attachment file names
	files  map[transfer.Key]*os.File

	// Session setup events, consumed by login.
	accounts chan peerchat.UserID
	created  chan struct{}
	started  chan struct{}
}

func newConsole(w io.Writer, out transfer.Sender, dir string) *console {
	return &console{
		out:      out,
		dir:      dir,
		w:        w,
		names:    make(map[peerchat.UserID]string),
		offers:   make(map[transfer.Key]string),
		files:    make(map[transfer.Key]*os.File),
		accounts: make(chan peerchat.UserID, 1),
		created:  make(chan struct{}, 1),
		started:  make(chan struct{}, 1),
	}
}

// agentOptions returns transfer callbacks that report to c.
func (c *console) agentOptions() *transfer.AgentOptions {
	return &transfer.AgentOptions{
		OnOffer: c.offered,
		OnProgress: func(key transfer.Key, pct float64) {
			c.printf("%s: %.0f%%", c.offerName(key), pct)
		},
		OnDone: c.finished,
	}
}

func (c *console) printf(msg string, args ...any) {
	c.μ.Lock()
	defer c.μ.Unlock()
	fmt.Fprintf(c.w, msg+"\n", args...)
}

// who renders a user ID with the last known name of the user.
func (c *console) who(u peerchat.UserID) string {
	c.μ.Lock()
	defer c.μ.Unlock()
	if name, ok := c.names[u]; ok && name != "" {
		return fmt.Sprintf("%s (%s)", name, u)
	}
	return u.String()
}

func (c *console) setName(u peerchat.UserID, name string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.names[u] = name
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// register adds handlers for the packets a server sends to a client.
func (c *console) register(cat *catalog.Catalog) {
	cat.MustHandle(wire.IDAccountResponse, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.AccountResponse) {
		select {
		case c.accounts <- m.User:
		default:
		}
	}))
	cat.MustHandle(wire.IDCreateSessionResponse, handler.Empty(func(context.Context, peerchat.ConnID) {
		notify(c.created)
	}))
	cat.MustHandle(wire.IDContinueSessionResponse, handler.Empty(func(context.Context, peerchat.ConnID) {
		notify(c.started)
	}))
	cat.MustHandle(wire.IDContentResponse, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.ContentResponse) {
		c.printf("content bundle: %d bytes", len(m.Data))
	}))
	cat.MustHandle(wire.IDFriendsListResponse, handler.Of(c.friendsList))
	cat.MustHandle(wire.IDFriendSessionStarted, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendSessionStarted) {
		c.printf("* %s is online", c.who(m.User))
	}))
	cat.MustHandle(wire.IDFriendSessionClosed, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendSessionClosed) {
		c.printf("* %s is offline", c.who(m.User))
	}))
	cat.MustHandle(wire.IDFriendNameUpdate, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendNameUpdate) {
		old := c.who(m.User)
		c.setName(m.User, m.Name)
		c.printf("* %s is now %q", old, m.Name)
	}))
	cat.MustHandle(wire.IDFriendAvatarUpdate, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendAvatarUpdate) {
		c.printf("* %s changed avatar to %d", c.who(m.User), m.Avatar)
	}))
	cat.MustHandle(wire.IDFriendRequest, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendRequest) {
		c.setName(m.User, m.Name)
		c.printf("* friend request from %s; /accept %s", c.who(m.User), m.User)
	}))
	cat.MustHandle(wire.IDAcceptFriendResponse, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.AcceptFriendResponse) {
		c.setName(m.User, m.Name)
		c.printf("* %s is now your friend", c.who(m.User))
	}))
	cat.MustHandle(wire.IDFriendRemove, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendRemove) {
		c.printf("* %s removed you as a friend", c.who(m.User))
	}))
	cat.MustHandle(wire.IDFriendAccountDeleted, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.FriendAccountDeleted) {
		c.printf("* %s deleted their account", c.who(m.User))
	}))
	cat.MustHandle(wire.IDDeleteAccountResponse, handler.Empty(func(context.Context, peerchat.ConnID) {
		c.printf("* account deleted")
	}))
	cat.MustHandle(wire.IDMessageReceived, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.MessageReceived) {
		c.printf("<%s> %s", c.who(m.User), m.Text)
	}))
	cat.MustHandle(wire.IDGIFReceived, handler.Of(func(_ context.Context, _ peerchat.ConnID, m wire.GIFReceived) {
		c.printf("<%s> [gif] %s", c.who(m.User), m.Source)
	}))
}

func (c *console) friendsList(_ context.Context, _ peerchat.ConnID, m wire.FriendsListResponse) {
	if len(m.Friends) == 0 {
		c.printf("no friends yet; /add <user> to send a request")
		return
	}
	for _, f := range m.Friends {
		c.setName(f.User, f.Name)
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	for _, f := range m.Friends {
		state := "offline"
		if f.Online {
			state = "online"
		}
		fmt.Fprintf(c.w, "  %-20s %s %-7s avatar %d\n", f.Name, f.User, state, f.Avatar)
	}
}

func (c *console) offered(m wire.AttachmentReceived) {
	c.μ.Lock()
	c.offers[transfer.Key{Owner: m.User, Attachment: m.Attachment}] = m.Name
	c.μ.Unlock()
	c.printf("<%s> [file] %q (%s bytes); /get %s %s", c.who(m.User), m.Name, m.Size, m.User, m.Attachment)
}

func (c *console) offerName(key transfer.Key) string {
	c.μ.Lock()
	defer c.μ.Unlock()
	if name, ok := c.offers[key]; ok {
		return name
	}
	return key.Attachment
}

func (c *console) finished(key transfer.Key, err error) {
	c.μ.Lock()
	f := c.files[key]
	delete(c.files, key)
	c.μ.Unlock()
	if f != nil {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		c.printf("* download %s failed: %v", key, err)
	} else if f != nil {
		c.printf("* saved %s", f.Name())
	}
}

// download opens a destination file for an offered attachment and starts
// fetching it.
func (c *console) download(owner peerchat.UserID, attachment string) error {
	key := transfer.Key{Owner: owner, Attachment: attachment}
	c.μ.Lock()
	_, busy := c.files[key]
	c.μ.Unlock()
	if busy {
		return fmt.Errorf("download %v: %w", key, transfer.ErrInProgress)
	}
	name := filepath.Base(c.offerName(key))
	if name == "." || name == string(filepath.Separator) {
		name = filepath.Base(attachment)
	}
	f, err := os.Create(filepath.Join(c.dir, name))
	if err != nil {
		return err
	}
	c.μ.Lock()
	c.files[key] = f
	c.μ.Unlock()
	if err := c.agent.Download(owner, attachment, f); err != nil {
		c.μ.Lock()
		delete(c.files, key)
		c.μ.Unlock()
		f.Close()
		os.Remove(f.Name())
		return err
	}
	return nil
}

// exec carries out one line of user input. It reports errQuit when the user
// ends the session.
func (c *console) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	// user parses the leading user ID of rest and returns the remainder.
	user := func() (peerchat.UserID, string, error) {
		arg, tail, _ := strings.Cut(rest, " ")
		u, err := peerchat.ParseUserID(arg)
		if err != nil {
			return u, "", fmt.Errorf("%s: invalid user %q", cmd, arg)
		}
		return u, strings.TrimSpace(tail), nil
	}
	switch cmd {
	case "/quit":
		if err := c.out.Send(wire.Empty(wire.IDCloseSessionRequest)); err != nil {
			return err
		}
		return errQuit
	case "/friends":
		return c.out.Send(wire.Empty(wire.IDFriendsListRequest))
	case "/content":
		return c.out.Send(wire.Empty(wire.IDContentRequest))
	case "/delete":
		if err := c.out.Send(wire.Empty(wire.IDDeleteAccountRequest)); err != nil {
			return err
		}
		return errQuit
	case "/name":
		if rest == "" {
			return errors.New("/name: missing name")
		}
		return c.out.Send(wire.Pack(wire.UpdateNameRequest{Name: rest}))
	case "/avatar":
		v, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return fmt.Errorf("/avatar: invalid index %q", rest)
		}
		return c.out.Send(wire.Pack(wire.UpdateAvatarRequest{Avatar: int32(v)}))
	case "/add", "/accept", "/remove":
		u, _, err := user()
		if err != nil {
			return err
		}
		switch cmd {
		case "/add":
			return c.out.Send(wire.Pack(wire.OutgoingFriendRequest{User: u}))
		case "/accept":
			return c.out.Send(wire.Pack(wire.AcceptFriendRequest{Sender: c.me, Receiver: u}))
		default:
			return c.out.Send(wire.Pack(wire.FriendRemove{User: u}))
		}
	case "/msg", "/gif", "/send", "/get":
		u, arg, err := user()
		if err != nil {
			return err
		} else if arg == "" {
			return fmt.Errorf("%s: missing argument", cmd)
		}
		switch cmd {
		case "/msg":
			return c.out.Send(wire.Pack(wire.MessageSent{User: u, Text: arg}))
		case "/gif":
			return c.out.Send(wire.Pack(wire.GIFSent{User: u, Source: arg}))
		case "/send":
			id, err := c.agent.Offer(u, arg)
			if err != nil {
				return err
			}
			c.printf("* offered %s as %s", arg, id)
			return nil
		default:
			return c.download(u, arg)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
