// Package wire defines the packet identifiers exchanged between peerchat
// clients and servers, and the field layout of each packet body.
//
// The set of identifiers is closed and versionless: both ends must agree on
// the value and field order of every packet. Adding a packet type means
// reserving a new identifier.
//
// Each message type implements encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler for its body, and reports its identifier with
// an ID method. Use Pack to build a packet from a message, and Empty for the
// packets that have no fields.
package wire

import (
	"encoding"
	"fmt"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/packet"
)

// Packet identifiers. The numeric values are part of the wire protocol.
const (
	IDAccountRequest uint16 = iota
	IDAccountResponse
	IDContentRequest
	IDContentResponse
	IDCreateSessionRequest
	IDCreateSessionResponse
	IDContinueSessionRequest
	IDContinueSessionResponse
	IDCloseSessionRequest
	IDFriendSessionClosed
	IDFriendSessionStarted
	IDFriendsListRequest
	IDFriendsListResponse
	IDUpdateNameRequest
	IDUpdateAvatarRequest
	IDDeleteAccountRequest
	IDDeleteAccountResponse
	IDFriendAccountDeleted
	IDFriendRemove
	IDFriendNameUpdate
	IDFriendAvatarUpdate
	IDFriendRequest
	IDAcceptFriendRequest
	IDAcceptFriendResponse
	IDOutgoingFriendRequest
	IDGIFSent
	IDGIFReceived
	IDMessageSent
	IDMessageReceived
	IDAttachmentSent
	IDAttachmentReceived
	IDAttachmentDownloadRequest
	IDAttachmentChunkRequest
	IDAttachmentChunkResponse

	numIDs = iota
)

var names = [...]string{
	"AccountRequest",
	"AccountResponse",
	"ContentRequest",
	"ContentResponse",
	"CreateSessionRequest",
	"CreateSessionResponse",
	"ContinueSessionRequest",
	"ContinueSessionResponse",
	"CloseSessionRequest",
	"FriendSessionClosed",
	"FriendSessionStarted",
	"FriendsListRequest",
	"FriendsListResponse",
	"UpdateNameRequest",
	"UpdateAvatarRequest",
	"DeleteAccountRequest",
	"DeleteAccountResponse",
	"FriendAccountDeleted",
	"FriendRemove",
	"FriendNameUpdate",
	"FriendAvatarUpdate",
	"FriendRequest",
	"AcceptFriendRequest",
	"AcceptFriendResponse",
	"OutgoingFriendRequest",
	"GIFSent",
	"GIFReceived",
	"MessageSent",
	"MessageReceived",
	"AttachmentSent",
	"AttachmentReceived",
	"AttachmentDownloadRequest",
	"AttachmentChunkRequest",
	"AttachmentChunkResponse",
}

// Name returns a human-readable name for the packet identifier.
func Name(id uint16) string {
	if id == peerchat.IDDisconnect {
		return "Disconnect"
	} else if int(id) < len(names) {
		return names[id]
	}
	return fmt.Sprintf("ID:%d", id)
}

// Known reports whether id is a defined application packet identifier.
func Known(id uint16) bool { return id < numIDs }

// Lookup returns the identifier with the given name, as reported by Name.
func Lookup(name string) (uint16, bool) {
	if name == "Disconnect" {
		return peerchat.IDDisconnect, true
	}
	for i, n := range names {
		if n == name {
			return uint16(i), true
		}
	}
	return 0, false
}

// A Message is the body of a packet with a fixed identifier.
type Message interface {
	ID() uint16
	MarshalBinary() ([]byte, error)
}

// Pack encodes m as a packet. Message encoding does not fail, so Pack panics
// if MarshalBinary reports an error.
func Pack(m Message) *peerchat.Packet {
	body, err := m.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("encoding %s: %w", Name(m.ID()), err))
	}
	return peerchat.NewPacket(m.ID(), body)
}

// Empty returns a packet with the given identifier and no body, for the
// requests and acknowledgements that carry no fields.
func Empty(id uint16) *peerchat.Packet { return peerchat.NewPacket(id, nil) }

// Decode decodes the body of pkt as the message its identifier names, and
// returns a pointer to the message. It returns nil without error for packets
// that have no fields.
func Decode(pkt *peerchat.Packet) (Message, error) {
	var m interface {
		Message
		encoding.BinaryUnmarshaler
	}
	switch pkt.ID {
	case IDAccountRequest, IDContentRequest, IDCreateSessionResponse, IDContinueSessionResponse,
		IDCloseSessionRequest, IDFriendsListRequest, IDDeleteAccountRequest, IDDeleteAccountResponse,
		peerchat.IDDisconnect:
		return nil, nil
	case IDAccountResponse:
		m = new(AccountResponse)
	case IDContentResponse:
		m = new(ContentResponse)
	case IDCreateSessionRequest:
		m = new(CreateSessionRequest)
	case IDContinueSessionRequest:
		m = new(ContinueSessionRequest)
	case IDFriendSessionClosed:
		m = new(FriendSessionClosed)
	case IDFriendSessionStarted:
		m = new(FriendSessionStarted)
	case IDFriendsListResponse:
		m = new(FriendsListResponse)
	case IDUpdateNameRequest:
		m = new(UpdateNameRequest)
	case IDUpdateAvatarRequest:
		m = new(UpdateAvatarRequest)
	case IDFriendAccountDeleted:
		m = new(FriendAccountDeleted)
	case IDFriendRemove:
		m = new(FriendRemove)
	case IDFriendNameUpdate:
		m = new(FriendNameUpdate)
	case IDFriendAvatarUpdate:
		m = new(FriendAvatarUpdate)
	case IDFriendRequest:
		m = new(FriendRequest)
	case IDAcceptFriendRequest:
		m = new(AcceptFriendRequest)
	case IDAcceptFriendResponse:
		m = new(AcceptFriendResponse)
	case IDOutgoingFriendRequest:
		m = new(OutgoingFriendRequest)
	case IDGIFSent:
		m = new(GIFSent)
	case IDGIFReceived:
		m = new(GIFReceived)
	case IDMessageSent:
		m = new(MessageSent)
	case IDMessageReceived:
		m = new(MessageReceived)
	case IDAttachmentSent:
		m = new(AttachmentSent)
	case IDAttachmentReceived:
		m = new(AttachmentReceived)
	case IDAttachmentDownloadRequest:
		m = new(AttachmentDownloadRequest)
	case IDAttachmentChunkRequest:
		m = new(AttachmentChunkRequest)
	case IDAttachmentChunkResponse:
		m = new(AttachmentChunkResponse)
	default:
		return nil, fmt.Errorf("unknown packet identifier %d", pkt.ID)
	}
	if err := m.UnmarshalBinary(pkt.Body); err != nil {
		return nil, fmt.Errorf("%s: %w", Name(pkt.ID), err)
	}
	return m, nil
}

// putUser appends a user ID as its canonical text form.
func putUser(b *packet.Builder, u peerchat.UserID) { b.String(u.String()) }

// userField returns a field decoder that parses a user ID into *u.
func userField(u *peerchat.UserID) func(*packet.Scanner) error {
	return func(s *packet.Scanner) error {
		text, err := s.String()
		if err != nil {
			return err
		}
		v, err := peerchat.ParseUserID(text)
		if err != nil {
			return err
		}
		*u = v
		return nil
	}
}

func parse(data []byte, fields ...func(*packet.Scanner) error) error {
	return packet.Parse(packet.NewScanner(data), fields...)
}
