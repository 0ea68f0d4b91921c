// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peerchat implements the transport core of a peer-relay chat
// service.
//
// A server mediates message, presence, friend-request and file-attachment
// traffic between many clients. Peers exchange length-prefixed binary
// packets over a shared reliable channel; each packet carries a 16-bit
// identifier that selects its field layout and the handler that processes
// it.
//
// # Packets
//
// On the wire a packet is a 4-byte little-endian length followed by a frame:
//
//	[id: 2 bytes LE][compressed: 1 byte][body]
//
// The body is gzip-compressed when that does not make it larger, and the
// flag records the choice. A frame may not exceed [MaxFrameSize] bytes.  The
// identifier [IDDisconnect] is reserved as a graceful disconnection notice.
// The packet package provides a Builder and Scanner for the
// field encodings used in bodies, and the wire package defines the fixed
// set of packet identifiers and their layouts.
//
// # Peers
//
// The core type defined by this package is the [Peer]. A peer owns one live
// connection, runs a receive loop on it, and serializes sends so that frames
// from concurrent senders never interleave.
//
// To create and start a peer on a channel:
//
//	p := peerchat.NewPeer().Dispatch(cat).OnExit(func(err error) {
//	   log.Printf("disconnected: %v", err)
//	}).Start(ch)
//
// The peer runs until [Peer.Disconnect] is called, the remote peer sends a
// disconnection notice, or the channel fails. Call [Peer.Wait] to wait for
// the peer to exit and return its status.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive packets. A
// Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides implementations over sockets and
// pipes, WebSocket connections, and in-memory pairs.
//
// # Identifiers
//
// A server names each live connection with a random [ConnID]. Accounts are
// named by a persistent [UserID]. The two are distinct types so that one can
// never be passed where the other is expected.
//
// # Servers and clients
//
// The peers package implements a server that accepts connections and keeps
// the table of live peers; the client package implements a single outbound
// connection. Both route inbound packets through a handler catalog (see the
// catalog package). The relay package implements sessions, presence, friend
// requests and chat relay on top of a server, and the transfer package
// implements chunked attachment downloads between two relayed clients.
package peerchat
