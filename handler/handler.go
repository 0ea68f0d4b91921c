// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the catalog.Handler type for functions
// that take a decoded message instead of a raw packet.
//
// Messages may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// The message types of the wire package implement encoding.BinaryUnmarshaler.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/sirupsen/logrus"
)

// pktContextKey is a context key for the packet passed to a handler.
type pktContextKey struct{}

// ContextPacket returns the original packet passed to the handler, or nil if
// ctx has no associated packet. The context passed to a handler returned by
// this package will have this value.
func ContextPacket(ctx context.Context) *peerchat.Packet {
	if v := ctx.Value(pktContextKey{}); v != nil {
		return v.(*peerchat.Packet)
	}
	return nil
}

// Of adapts a function f that accepts a message of type M to a
// catalog.Handler. If the packet body does not decode as an M, the packet is
// logged to catalog.ContextLogger and dropped without calling f.
func Of[M any](f func(context.Context, peerchat.ConnID, M)) catalog.Handler {
	return func(ctx context.Context, conn peerchat.ConnID, pkt *peerchat.Packet) {
		var m M
		if err := unmarshal(pkt.Body, &m); err != nil {
			catalog.ContextLogger(ctx).WithFields(logrus.Fields{
				"conn":   conn,
				"packet": pkt.ID,
			}).Warnf("dropping undecodable packet: %v", err)
			return
		}
		f(context.WithValue(ctx, pktContextKey{}, pkt), conn, m)
	}
}

// Empty adapts a function f for a packet that has no fields to a
// catalog.Handler. Any body content is ignored.
func Empty(f func(context.Context, peerchat.ConnID)) catalog.Handler {
	return func(ctx context.Context, conn peerchat.ConnID, pkt *peerchat.Packet) {
		f(context.WithValue(ctx, pktContextKey{}, pkt), conn)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}
