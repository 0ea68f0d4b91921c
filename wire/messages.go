package wire

import (
	"errors"
	"fmt"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/packet"
)

func marshalUser(u peerchat.UserID) ([]byte, error) {
	var b packet.Builder
	putUser(&b, u)
	return b.Bytes(), nil
}

// AccountResponse carries a freshly issued user ID for a new account.
type AccountResponse struct{ User peerchat.UserID }

func (AccountResponse) ID() uint16                           { return IDAccountResponse }
func (m AccountResponse) MarshalBinary() ([]byte, error)     { return marshalUser(m.User) }
func (m *AccountResponse) UnmarshalBinary(data []byte) error { return parse(data, userField(&m.User)) }

// ContentResponse carries the server's content bundle.
type ContentResponse struct{ Data []byte }

func (ContentResponse) ID() uint16 { return IDContentResponse }

func (m ContentResponse) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Blob(m.Data)
	return b.Bytes(), nil
}

func (m *ContentResponse) UnmarshalBinary(data []byte) error {
	return parse(data, packet.BlobField(&m.Data))
}

// CreateSessionRequest names the account issued by an AccountResponse.
type CreateSessionRequest struct {
	User peerchat.UserID
	Name string
}

func (CreateSessionRequest) ID() uint16 { return IDCreateSessionRequest }

func (m CreateSessionRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	putUser(&b, m.User)
	b.String(m.Name)
	return b.Bytes(), nil
}

func (m *CreateSessionRequest) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User), packet.StringField(&m.Name))
}

// ContinueSessionRequest claims an existing account for the connection.
type ContinueSessionRequest struct{ User peerchat.UserID }

func (ContinueSessionRequest) ID() uint16                       { return IDContinueSessionRequest }
func (m ContinueSessionRequest) MarshalBinary() ([]byte, error) { return marshalUser(m.User) }
func (m *ContinueSessionRequest) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User))
}

// FriendSessionClosed announces that a user's session has ended.
type FriendSessionClosed struct{ User peerchat.UserID }

func (FriendSessionClosed) ID() uint16                       { return IDFriendSessionClosed }
func (m FriendSessionClosed) MarshalBinary() ([]byte, error) { return marshalUser(m.User) }
func (m *FriendSessionClosed) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User))
}

// FriendSessionStarted announces that a friend has come online.
type FriendSessionStarted struct{ User peerchat.UserID }

func (FriendSessionStarted) ID() uint16                       { return IDFriendSessionStarted }
func (m FriendSessionStarted) MarshalBinary() ([]byte, error) { return marshalUser(m.User) }
func (m *FriendSessionStarted) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User))
}

// A Friend is one entry of a friends list.
type Friend struct {
	User   peerchat.UserID
	Online bool
	Name   string
	Avatar int32
}

// FriendsListResponse reports every friend of the requesting user.
type FriendsListResponse struct{ Friends []Friend }

func (FriendsListResponse) ID() uint16 { return IDFriendsListResponse }

func (m FriendsListResponse) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Int32(int32(len(m.Friends)))
	for _, f := range m.Friends {
		putUser(&b, f.User)
		b.Bool(f.Online)
		b.String(f.Name)
		b.Int32(f.Avatar)
	}
	return b.Bytes(), nil
}

// minFriendLen is the smallest possible encoding of a Friend.
const minFriendLen = 1 + 1 + 1 + 4 // user, online, name, avatar

func (m *FriendsListResponse) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	n, err := s.Int32()
	if err != nil {
		return fmt.Errorf("friend count: %w", err)
	} else if n < 0 || int(n) > s.Len()/minFriendLen {
		return fmt.Errorf("invalid friend count %d", n)
	}
	var fields []func(*packet.Scanner) error
	friends := make([]Friend, n)
	for i := range friends {
		f := &friends[i]
		fields = append(fields,
			userField(&f.User),
			packet.BoolField(&f.Online),
			packet.StringField(&f.Name),
			packet.Int32Field(&f.Avatar),
		)
	}
	if err := packet.Parse(s, fields...); err != nil {
		return err
	}
	m.Friends = friends
	return nil
}

// UpdateNameRequest changes the display name of the requesting user.
type UpdateNameRequest struct{ Name string }

func (UpdateNameRequest) ID() uint16 { return IDUpdateNameRequest }

func (m UpdateNameRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.String(m.Name)
	return b.Bytes(), nil
}

func (m *UpdateNameRequest) UnmarshalBinary(data []byte) error {
	return parse(data, packet.StringField(&m.Name))
}

// UpdateAvatarRequest changes the avatar index of the requesting user.
type UpdateAvatarRequest struct{ Avatar int32 }

func (UpdateAvatarRequest) ID() uint16 { return IDUpdateAvatarRequest }

func (m UpdateAvatarRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Int32(m.Avatar)
	return b.Bytes(), nil
}

func (m *UpdateAvatarRequest) UnmarshalBinary(data []byte) error {
	return parse(data, packet.Int32Field(&m.Avatar))
}

// FriendAccountDeleted announces that a friend deleted their account.
type FriendAccountDeleted struct{ User peerchat.UserID }

func (FriendAccountDeleted) ID() uint16                       { return IDFriendAccountDeleted }
func (m FriendAccountDeleted) MarshalBinary() ([]byte, error) { return marshalUser(m.User) }
func (m *FriendAccountDeleted) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User))
}

// FriendRemove ends a friendship. From a client it names the friend to
// remove; from the server it names the user who removed the recipient.
type FriendRemove struct{ User peerchat.UserID }

func (FriendRemove) ID() uint16                           { return IDFriendRemove }
func (m FriendRemove) MarshalBinary() ([]byte, error)     { return marshalUser(m.User) }
func (m *FriendRemove) UnmarshalBinary(data []byte) error { return parse(data, userField(&m.User)) }

// FriendNameUpdate announces a friend's new display name.
type FriendNameUpdate struct {
	User peerchat.UserID
	Name string
}

func (FriendNameUpdate) ID() uint16 { return IDFriendNameUpdate }

func (m FriendNameUpdate) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	putUser(&b, m.User)
	b.String(m.Name)
	return b.Bytes(), nil
}

func (m *FriendNameUpdate) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User), packet.StringField(&m.Name))
}

// FriendAvatarUpdate announces a friend's new avatar index.
type FriendAvatarUpdate struct {
	User   peerchat.UserID
	Avatar int32
}

func (FriendAvatarUpdate) ID() uint16 { return IDFriendAvatarUpdate }

func (m FriendAvatarUpdate) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	putUser(&b, m.User)
	b.Int32(m.Avatar)
	return b.Bytes(), nil
}

func (m *FriendAvatarUpdate) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User), packet.Int32Field(&m.Avatar))
}

// A Profile is the public view of a user.
type Profile struct {
	User   peerchat.UserID
	Name   string
	Avatar int32
}

func (p Profile) marshal() ([]byte, error) {
	var b packet.Builder
	putUser(&b, p.User)
	b.String(p.Name)
	b.Int32(p.Avatar)
	return b.Bytes(), nil
}

func (p *Profile) unmarshal(data []byte) error {
	return parse(data, userField(&p.User), packet.StringField(&p.Name), packet.Int32Field(&p.Avatar))
}

// FriendRequest delivers a friend request, carrying the sender's profile.
type FriendRequest Profile

func (FriendRequest) ID() uint16                           { return IDFriendRequest }
func (m FriendRequest) MarshalBinary() ([]byte, error)     { return Profile(m).marshal() }
func (m *FriendRequest) UnmarshalBinary(data []byte) error { return (*Profile)(m).unmarshal(data) }

// AcceptFriendRequest accepts a friend request. Sender is the accepting user
// and Receiver is the user who originally asked.
type AcceptFriendRequest struct {
	Sender   peerchat.UserID
	Receiver peerchat.UserID
}

func (AcceptFriendRequest) ID() uint16 { return IDAcceptFriendRequest }

func (m AcceptFriendRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	putUser(&b, m.Sender)
	putUser(&b, m.Receiver)
	return b.Bytes(), nil
}

func (m *AcceptFriendRequest) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.Sender), userField(&m.Receiver))
}

// AcceptFriendResponse delivers the profile of a new friend.
type AcceptFriendResponse Profile

func (AcceptFriendResponse) ID() uint16                       { return IDAcceptFriendResponse }
func (m AcceptFriendResponse) MarshalBinary() ([]byte, error) { return Profile(m).marshal() }
func (m *AcceptFriendResponse) UnmarshalBinary(data []byte) error {
	return (*Profile)(m).unmarshal(data)
}

// OutgoingFriendRequest asks the server to deliver a friend request to User.
type OutgoingFriendRequest struct{ User peerchat.UserID }

func (OutgoingFriendRequest) ID() uint16                       { return IDOutgoingFriendRequest }
func (m OutgoingFriendRequest) MarshalBinary() ([]byte, error) { return marshalUser(m.User) }
func (m *OutgoingFriendRequest) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User))
}

// ErrNotRelayable is reported by Relay for a packet that is not addressed
// to another user.
var ErrNotRelayable = errors.New("packet is not relayable")
