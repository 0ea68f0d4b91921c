package wire

import (
	"fmt"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/packet"
)

// A GIF refers to an animated image by its source URL. In a GIFSent, User is
// the recipient; in a GIFReceived, User is the sender.
type GIF struct {
	User   peerchat.UserID
	Source string
}

func (g GIF) marshal() ([]byte, error) {
	var b packet.Builder
	putUser(&b, g.User)
	b.String(g.Source)
	return b.Bytes(), nil
}

func (g *GIF) unmarshal(data []byte) error {
	return parse(data, userField(&g.User), packet.StringField(&g.Source))
}

type (
	GIFSent     GIF
	GIFReceived GIF
)

func (GIFSent) ID() uint16                               { return IDGIFSent }
func (m GIFSent) MarshalBinary() ([]byte, error)         { return GIF(m).marshal() }
func (m *GIFSent) UnmarshalBinary(data []byte) error     { return (*GIF)(m).unmarshal(data) }
func (GIFReceived) ID() uint16                           { return IDGIFReceived }
func (m GIFReceived) MarshalBinary() ([]byte, error)     { return GIF(m).marshal() }
func (m *GIFReceived) UnmarshalBinary(data []byte) error { return (*GIF)(m).unmarshal(data) }

// A Text is a chat message. In a MessageSent, User is the recipient; in a
// MessageReceived, User is the sender.
type Text struct {
	User peerchat.UserID
	Text string
}

func (t Text) marshal() ([]byte, error) {
	var b packet.Builder
	putUser(&b, t.User)
	b.String(t.Text)
	return b.Bytes(), nil
}

func (t *Text) unmarshal(data []byte) error {
	return parse(data, userField(&t.User), packet.StringField(&t.Text))
}

type (
	MessageSent     Text
	MessageReceived Text
)

func (MessageSent) ID() uint16                               { return IDMessageSent }
func (m MessageSent) MarshalBinary() ([]byte, error)         { return Text(m).marshal() }
func (m *MessageSent) UnmarshalBinary(data []byte) error     { return (*Text)(m).unmarshal(data) }
func (MessageReceived) ID() uint16                           { return IDMessageReceived }
func (m MessageReceived) MarshalBinary() ([]byte, error)     { return Text(m).marshal() }
func (m *MessageReceived) UnmarshalBinary(data []byte) error { return (*Text)(m).unmarshal(data) }

// An Attachment describes a file offered for download by its owner. Size is
// the decimal byte count. In an AttachmentSent, User is the recipient; in an
// AttachmentReceived, User is the owner.
type Attachment struct {
	User       peerchat.UserID
	Attachment string
	Size       string
	Name       string
}

func (a Attachment) marshal() ([]byte, error) {
	var b packet.Builder
	putUser(&b, a.User)
	b.String(a.Attachment)
	b.String(a.Size)
	b.String(a.Name)
	return b.Bytes(), nil
}

func (a *Attachment) unmarshal(data []byte) error {
	return parse(data, userField(&a.User), packet.StringField(&a.Attachment),
		packet.StringField(&a.Size), packet.StringField(&a.Name))
}

type (
	AttachmentSent     Attachment
	AttachmentReceived Attachment
)

func (AttachmentSent) ID() uint16                           { return IDAttachmentSent }
func (m AttachmentSent) MarshalBinary() ([]byte, error)     { return Attachment(m).marshal() }
func (m *AttachmentSent) UnmarshalBinary(data []byte) error { return (*Attachment)(m).unmarshal(data) }
func (AttachmentReceived) ID() uint16                       { return IDAttachmentReceived }
func (m AttachmentReceived) MarshalBinary() ([]byte, error) { return Attachment(m).marshal() }
func (m *AttachmentReceived) UnmarshalBinary(data []byte) error {
	return (*Attachment)(m).unmarshal(data)
}

// AttachmentDownloadRequest asks the owner of an attachment for its first
// chunk. From the receiver, User is the owner; as delivered to the owner,
// User is the requester.
type AttachmentDownloadRequest struct {
	User       peerchat.UserID
	Attachment string
}

func (AttachmentDownloadRequest) ID() uint16 { return IDAttachmentDownloadRequest }

func (m AttachmentDownloadRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	putUser(&b, m.User)
	b.String(m.Attachment)
	return b.Bytes(), nil
}

func (m *AttachmentDownloadRequest) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User), packet.StringField(&m.Attachment))
}

// AttachmentChunkRequest asks the owner for chunk Index of Count. User is
// addressed as in AttachmentDownloadRequest.
type AttachmentChunkRequest struct {
	User       peerchat.UserID
	Attachment string
	Count      int32
	Index      int32
}

func (AttachmentChunkRequest) ID() uint16 { return IDAttachmentChunkRequest }

func (m AttachmentChunkRequest) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	putUser(&b, m.User)
	b.String(m.Attachment)
	b.Int32(m.Count)
	b.Int32(m.Index)
	return b.Bytes(), nil
}

func (m *AttachmentChunkRequest) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User), packet.StringField(&m.Attachment),
		packet.Int32Field(&m.Count), packet.Int32Field(&m.Index))
}

// AttachmentChunkResponse carries chunk Index of Count. From the owner, User
// is the requester; as delivered to the requester, User is the owner.
type AttachmentChunkResponse struct {
	User       peerchat.UserID
	Attachment string
	Count      int32
	Index      int32
	Data       []byte
}

func (AttachmentChunkResponse) ID() uint16 { return IDAttachmentChunkResponse }

func (m AttachmentChunkResponse) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Grow(len(m.Data) + 64)
	putUser(&b, m.User)
	b.String(m.Attachment)
	b.Int32(m.Count)
	b.Int32(m.Index)
	b.Blob(m.Data)
	return b.Bytes(), nil
}

func (m *AttachmentChunkResponse) UnmarshalBinary(data []byte) error {
	return parse(data, userField(&m.User), packet.StringField(&m.Attachment),
		packet.Int32Field(&m.Count), packet.Int32Field(&m.Index), packet.BlobField(&m.Data))
}

// Relay decodes a chat or attachment packet addressed to another user, and
// returns the addressed user together with the packet to deliver to them. In
// the delivered packet the user field names from, the sender, so recipients
// never learn anything but user IDs. Sent messages become their Received
// counterparts; attachment transfer packets keep their identifier.
//
// Relay reports ErrNotRelayable for any other packet.
func Relay(pkt *peerchat.Packet, from peerchat.UserID) (peerchat.UserID, *peerchat.Packet, error) {
	var to peerchat.UserID
	var out Message
	var err error
	switch pkt.ID {
	case IDGIFSent:
		var m GIFSent
		err = m.UnmarshalBinary(pkt.Body)
		to, m.User, out = m.User, from, GIFReceived(m)
	case IDMessageSent:
		var m MessageSent
		err = m.UnmarshalBinary(pkt.Body)
		to, m.User, out = m.User, from, MessageReceived(m)
	case IDAttachmentSent:
		var m AttachmentSent
		err = m.UnmarshalBinary(pkt.Body)
		to, m.User, out = m.User, from, AttachmentReceived(m)
	case IDAttachmentDownloadRequest:
		var m AttachmentDownloadRequest
		err = m.UnmarshalBinary(pkt.Body)
		to, m.User, out = m.User, from, m
	case IDAttachmentChunkRequest:
		var m AttachmentChunkRequest
		err = m.UnmarshalBinary(pkt.Body)
		to, m.User, out = m.User, from, m
	case IDAttachmentChunkResponse:
		var m AttachmentChunkResponse
		err = m.UnmarshalBinary(pkt.Body)
		to, m.User, out = m.User, from, m
	default:
		return to, nil, fmt.Errorf("%s: %w", Name(pkt.ID), ErrNotRelayable)
	}
	if err != nil {
		return to, nil, fmt.Errorf("decode %s: %w", Name(pkt.ID), err)
	}
	return to, Pack(out), nil
}
