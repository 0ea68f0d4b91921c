// Package relay implements the session layer of a peerchat server: it binds
// connections to user accounts, maintains presence and the friend graph in a
// directory store, and relays chat and attachment traffic between users.
//
// A connection starts anonymous. It becomes active by continuing a session
// for an existing account, which may first be created by requesting a new
// account and then creating a session for it. Only active connections may
// change their profile, manage friends, or send traffic to other users;
// anything else an anonymous connection sends is ignored.
//
// Users only ever learn each other's user IDs. Connection IDs stay on the
// server.
package relay

import (
	"context"
	"expvar"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/directory"
	"github.com/creachadair/peerchat/handler"
	"github.com/creachadair/peerchat/wire"
	"github.com/sirupsen/logrus"
)

// A Sender delivers packets to connections. A *peers.Server is a Sender.
type Sender interface {
	// Send sends pkt to the connection id. Sending to a connection that does
	// not exist is not an error.
	Send(id peerchat.ConnID, pkt *peerchat.Packet) error

	// Broadcast sends pkt to every connection except the one given.
	Broadcast(except peerchat.ConnID, pkt *peerchat.Packet)
}

// Options are optional settings for a Relay. A nil *Options is ready for use
// and provides defaults as described.
type Options struct {
	// Logger receives session and relay logs. If nil, the logrus standard
	// logger is used.
	Logger logrus.FieldLogger

	// Content is the content bundle sent in reply to a content request. If
	// nil, the reply is empty.
	Content []byte
}

// A Relay holds the session table of a server and implements its packet
// handlers. Its methods are safe for concurrent use.
type Relay struct {
	store   directory.Store
	srv     Sender
	log     logrus.FieldLogger
	content []byte
	metrics *relayMetrics

	μ        sync.Mutex
	users    map[peerchat.ConnID]peerchat.UserID // active sessions
	conns    map[peerchat.UserID]peerchat.ConnID // reverse of users
	pending  map[peerchat.ConnID]peerchat.UserID // new accounts not yet claimed
	reserved mapset.Set[peerchat.UserID]         // values of pending
}

// New constructs a relay that keeps accounts in store and sends packets
// through srv.
func New(store directory.Store, srv Sender, opts *Options) *Relay {
	r := &Relay{
		store:    store,
		srv:      srv,
		log:      logrus.StandardLogger(),
		metrics:  newRelayMetrics(),
		users:    make(map[peerchat.ConnID]peerchat.UserID),
		conns:    make(map[peerchat.UserID]peerchat.ConnID),
		pending:  make(map[peerchat.ConnID]peerchat.UserID),
		reserved: mapset.New[peerchat.UserID](),
	}
	if opts != nil {
		if opts.Logger != nil {
			r.log = opts.Logger
		}
		r.content = opts.Content
	}
	return r
}

// Register installs the handlers of r in cat. It panics if any of the packet
// IDs handled by r already has a handler in cat.
func (r *Relay) Register(cat *catalog.Catalog) {
	cat.MustHandle(wire.IDAccountRequest, handler.Empty(r.newAccount)).
		MustHandle(wire.IDContentRequest, handler.Empty(r.sendContent)).
		MustHandle(wire.IDCreateSessionRequest, handler.Of(r.createSession)).
		MustHandle(wire.IDContinueSessionRequest, handler.Of(r.continueSession)).
		MustHandle(wire.IDCloseSessionRequest, handler.Empty(r.closeSession)).
		MustHandle(wire.IDFriendsListRequest, handler.Empty(r.friendsList)).
		MustHandle(wire.IDUpdateNameRequest, handler.Of(r.updateName)).
		MustHandle(wire.IDUpdateAvatarRequest, handler.Of(r.updateAvatar)).
		MustHandle(wire.IDDeleteAccountRequest, handler.Empty(r.deleteAccount)).
		MustHandle(wire.IDFriendRemove, handler.Of(r.removeFriend)).
		MustHandle(wire.IDOutgoingFriendRequest, handler.Of(r.friendRequest)).
		MustHandle(wire.IDAcceptFriendRequest, handler.Of(r.acceptFriend))
	for _, id := range []uint16{
		wire.IDGIFSent, wire.IDMessageSent, wire.IDAttachmentSent,
		wire.IDAttachmentDownloadRequest, wire.IDAttachmentChunkRequest, wire.IDAttachmentChunkResponse,
	} {
		cat.MustHandle(id, r.relay)
	}
}

// Disconnected ends any session held by conn and drops any account
// reservation it holds. Connect it to the server's disconnect notification.
func (r *Relay) Disconnected(conn peerchat.ConnID) {
	r.μ.Lock()
	if id, ok := r.pending[conn]; ok {
		delete(r.pending, conn)
		r.reserved.Remove(id)
	}
	r.μ.Unlock()
	r.endSession(conn)
}

// Shutdown ends every session, marking each user offline, and saves the
// store. It does not notify the connections.
func (r *Relay) Shutdown() error {
	r.μ.Lock()
	users := make([]peerchat.UserID, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	clear(r.users)
	clear(r.conns)
	clear(r.pending)
	clear(r.reserved)
	r.metrics.sessions.Set(0)
	r.μ.Unlock()

	for _, u := range users {
		r.setOnline(u, false)
	}
	return r.store.Save()
}

// Sessions reports the number of active sessions.
func (r *Relay) Sessions() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.users)
}

// Session reports the user bound to conn, if any.
func (r *Relay) Session(conn peerchat.ConnID) (peerchat.UserID, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	u, ok := r.users[conn]
	return u, ok
}

// Conn reports the connection holding the session of user, if any.
func (r *Relay) Conn(user peerchat.UserID) (peerchat.ConnID, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	c, ok := r.conns[user]
	return c, ok
}

// Metrics returns the metrics map for the relay.
func (r *Relay) Metrics() *expvar.Map { return r.metrics.emap }

func (r *Relay) bind(conn peerchat.ConnID, user peerchat.UserID) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.users[conn]; ok {
		return false
	} else if _, ok := r.conns[user]; ok {
		return false
	}
	r.users[conn] = user
	r.conns[user] = conn
	if id, ok := r.pending[conn]; ok {
		delete(r.pending, conn)
		r.reserved.Remove(id)
	}
	r.metrics.sessions.Set(int64(len(r.users)))
	return true
}

func (r *Relay) unbind(conn peerchat.ConnID) (peerchat.UserID, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	u, ok := r.users[conn]
	if ok {
		delete(r.users, conn)
		delete(r.conns, u)
		r.metrics.sessions.Set(int64(len(r.users)))
	}
	return u, ok
}

// endSession unbinds conn, tells every other connection the user has left,
// and marks the user offline. It does nothing if conn has no session.
func (r *Relay) endSession(conn peerchat.ConnID) {
	u, ok := r.unbind(conn)
	if !ok {
		return
	}
	r.srv.Broadcast(conn, wire.Pack(wire.FriendSessionClosed{User: u}))
	r.setOnline(u, false)
	r.logger(conn, u).Info("session closed")
}

// send delivers m to conn, logging any failure.
func (r *Relay) send(conn peerchat.ConnID, m wire.Message) {
	r.sendPacket(conn, wire.Pack(m))
}

func (r *Relay) sendPacket(conn peerchat.ConnID, pkt *peerchat.Packet) {
	if err := r.srv.Send(conn, pkt); err != nil {
		r.log.WithFields(logrus.Fields{
			"conn":   conn,
			"packet": wire.Name(pkt.ID),
		}).Warnf("send failed: %v", err)
	}
}

// notifyFriends sends m to every friend of user that has a session.
func (r *Relay) notifyFriends(user peerchat.UserID, m wire.Message) {
	pkt := wire.Pack(m)
	for _, f := range r.store.Friends(user) {
		if c, ok := r.Conn(f); ok {
			r.sendPacket(c, pkt)
		}
	}
}

func (r *Relay) setOnline(user peerchat.UserID, online bool) {
	if err := r.store.SetOnline(user, online); err != nil {
		r.log.WithField("user", user).Errorf("set online: %v", err)
	}
}

func (r *Relay) logger(conn peerchat.ConnID, user peerchat.UserID) logrus.FieldLogger {
	return r.log.WithFields(logrus.Fields{"conn": conn, "user": user})
}

// active reports the user bound to conn, and logs a dropped request if there
// is none.
func (r *Relay) active(ctx context.Context, conn peerchat.ConnID) (peerchat.UserID, bool) {
	u, ok := r.Session(conn)
	if !ok {
		r.metrics.dropped.Add(1)
		fields := logrus.Fields{"conn": conn}
		if pkt := handler.ContextPacket(ctx); pkt != nil {
			fields["packet"] = wire.Name(pkt.ID)
		}
		r.log.WithFields(fields).Debug("ignoring request without a session")
	}
	return u, ok
}

type relayMetrics struct {
	sessions expvar.Int
	accounts expvar.Int
	relayed  expvar.Int
	dropped  expvar.Int

	emap *expvar.Map
}

func newRelayMetrics() *relayMetrics {
	rm := &relayMetrics{emap: new(expvar.Map)}
	rm.emap.Set("sessions_active", &rm.sessions)
	rm.emap.Set("accounts_created", &rm.accounts)
	rm.emap.Set("packets_relayed", &rm.relayed)
	rm.emap.Set("packets_dropped", &rm.dropped)
	return rm
}
