package relay

import (
	"context"
	"errors"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/wire"
)

// newAccount issues a fresh user ID and reserves it for conn, to be claimed
// by a create-session request on the same connection.
func (r *Relay) newAccount(_ context.Context, conn peerchat.ConnID) {
	r.μ.Lock()
	id := peerchat.NewUserID()
	for r.idInUse(id) {
		id = peerchat.NewUserID()
	}
	if old, ok := r.pending[conn]; ok {
		r.reserved.Remove(old)
	}
	r.pending[conn] = id
	r.reserved.Add(id)
	r.μ.Unlock()

	r.logger(conn, id).Info("account reserved")
	r.send(conn, wire.AccountResponse{User: id})
}

// idInUse reports whether id is taken by an account, a session, or a
// reservation. The caller must hold r.μ.
func (r *Relay) idInUse(id peerchat.UserID) bool {
	if id.IsZero() || r.reserved.Has(id) {
		return true
	} else if _, ok := r.conns[id]; ok {
		return true
	}
	return r.store.UserExists(id)
}

func (r *Relay) sendContent(_ context.Context, conn peerchat.ConnID) {
	r.send(conn, wire.ContentResponse{Data: r.content})
}

// createSession creates the account reserved for conn. The account starts
// offline with avatar 0; the client continues a session to go online.
func (r *Relay) createSession(_ context.Context, conn peerchat.ConnID, m wire.CreateSessionRequest) {
	r.μ.Lock()
	id, ok := r.pending[conn]
	r.μ.Unlock()
	log := r.logger(conn, m.User)
	if !ok || id != m.User {
		log.Debug("ignoring create-session for an unreserved account")
		return
	}
	if err := r.store.CreateUser(m.User, m.Name, 0); err != nil {
		log.Warnf("create account: %v", err)
		return
	}
	r.metrics.accounts.Add(1)
	log.WithField("name", m.Name).Info("account created")
	r.sendPacket(conn, wire.Empty(wire.IDCreateSessionResponse))
}

// continueSession binds conn to an existing account and brings it online.
func (r *Relay) continueSession(_ context.Context, conn peerchat.ConnID, m wire.ContinueSessionRequest) {
	log := r.logger(conn, m.User)
	if !r.store.UserExists(m.User) {
		log.Debug("ignoring continue-session for an unknown account")
		return
	}
	if !r.bind(conn, m.User) {
		log.Debug("ignoring continue-session: connection or account already has a session")
		return
	}
	r.setOnline(m.User, true)
	r.notifyFriends(m.User, wire.FriendSessionStarted{User: m.User})
	log.Info("session started")

	r.sendPacket(conn, wire.Empty(wire.IDContinueSessionResponse))
	r.send(conn, r.friends(m.User))
}

func (r *Relay) closeSession(_ context.Context, conn peerchat.ConnID) { r.endSession(conn) }

func (r *Relay) friendsList(ctx context.Context, conn peerchat.ConnID) {
	if u, ok := r.active(ctx, conn); ok {
		r.send(conn, r.friends(u))
	}
}

func (r *Relay) friends(user peerchat.UserID) wire.FriendsListResponse {
	var out wire.FriendsListResponse
	for _, f := range r.store.Friends(user) {
		out.Friends = append(out.Friends, wire.Friend{
			User:   f,
			Online: r.store.IsOnline(f),
			Name:   r.store.Name(f),
			Avatar: r.store.Avatar(f),
		})
	}
	return out
}

func (r *Relay) updateName(ctx context.Context, conn peerchat.ConnID, m wire.UpdateNameRequest) {
	u, ok := r.active(ctx, conn)
	if !ok {
		return
	}
	if err := r.store.UpdateName(u, m.Name); err != nil {
		r.logger(conn, u).Errorf("update name: %v", err)
		return
	}
	r.notifyFriends(u, wire.FriendNameUpdate{User: u, Name: m.Name})
}

func (r *Relay) updateAvatar(ctx context.Context, conn peerchat.ConnID, m wire.UpdateAvatarRequest) {
	u, ok := r.active(ctx, conn)
	if !ok {
		return
	}
	if err := r.store.SetAvatar(u, m.Avatar); err != nil {
		r.logger(conn, u).Errorf("update avatar: %v", err)
		return
	}
	r.notifyFriends(u, wire.FriendAvatarUpdate{User: u, Avatar: m.Avatar})
}

// deleteAccount removes the account of conn. The connection remains open
// without a session.
func (r *Relay) deleteAccount(ctx context.Context, conn peerchat.ConnID) {
	u, ok := r.active(ctx, conn)
	if !ok {
		return
	}
	log := r.logger(conn, u)
	r.notifyFriends(u, wire.FriendAccountDeleted{User: u})
	if err := r.store.DeleteUser(u); err != nil {
		log.Errorf("delete account: %v", err)
	}
	r.unbind(conn)
	log.Info("account deleted")
	r.sendPacket(conn, wire.Empty(wire.IDDeleteAccountResponse))
}

func (r *Relay) removeFriend(ctx context.Context, conn peerchat.ConnID, m wire.FriendRemove) {
	u, ok := r.active(ctx, conn)
	if !ok {
		return
	}
	if err := r.store.RemoveFriend(u, m.User); err != nil {
		r.logger(conn, u).Errorf("remove friend: %v", err)
		return
	}
	if c, ok := r.Conn(m.User); ok {
		r.send(c, wire.FriendRemove{User: u})
	}
}

// friendRequest forwards a friend request to a user with a session. Requests
// to offline users are dropped.
func (r *Relay) friendRequest(ctx context.Context, conn peerchat.ConnID, m wire.OutgoingFriendRequest) {
	u, ok := r.active(ctx, conn)
	if !ok || m.User == u {
		return
	}
	c, ok := r.Conn(m.User)
	if !ok {
		r.metrics.dropped.Add(1)
		r.logger(conn, u).WithField("target", m.User).Debug("dropping friend request to offline user")
		return
	}
	r.send(c, wire.FriendRequest(r.profile(u)))
}

// acceptFriend records a friendship accepted by the user of conn, who must be
// the Sender, with the Receiver, who made the request and must still have a
// session. Each side then receives the profile of the other.
func (r *Relay) acceptFriend(ctx context.Context, conn peerchat.ConnID, m wire.AcceptFriendRequest) {
	u, ok := r.active(ctx, conn)
	if !ok {
		return
	}
	log := r.logger(conn, u)
	if m.Sender != u {
		log.Debug("ignoring friend acceptance on behalf of another user")
		return
	}
	c, ok := r.Conn(m.Receiver)
	if !ok {
		r.metrics.dropped.Add(1)
		log.WithField("target", m.Receiver).Debug("dropping friend acceptance for offline user")
		return
	}
	if err := r.store.AddFriend(u, m.Receiver); err != nil {
		log.Errorf("add friend: %v", err)
		return
	}
	r.send(conn, wire.AcceptFriendResponse(r.profile(m.Receiver)))
	r.send(c, wire.AcceptFriendResponse(r.profile(u)))
}

func (r *Relay) profile(u peerchat.UserID) wire.Profile {
	return wire.Profile{User: u, Name: r.store.Name(u), Avatar: r.store.Avatar(u)}
}

// relay forwards chat and attachment traffic to the addressed user, naming
// the sender in place of the recipient.
func (r *Relay) relay(ctx context.Context, conn peerchat.ConnID, pkt *peerchat.Packet) {
	u, ok := r.active(ctx, conn)
	if !ok {
		return
	}
	log := r.logger(conn, u).WithField("packet", wire.Name(pkt.ID))
	to, out, err := wire.Relay(pkt, u)
	if err != nil {
		if !errors.Is(err, wire.ErrNotRelayable) {
			log.Warnf("dropping packet: %v", err)
		}
		return
	}
	c, ok := r.Conn(to)
	if !ok {
		r.metrics.dropped.Add(1)
		log.WithField("target", to).Debug("dropping packet for offline user")
		return
	}
	r.metrics.relayed.Add(1)
	r.sendPacket(c, out)
}
