// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a table mapping packet IDs to handlers, for use by
// a peerchat.Peer, a client, or a server.
//
// # Usage
//
// Construct a new empty catalog and register handlers in it:
//
//	cat := catalog.New().
//	  Handle(wire.IDMessageReceived, onMessage).
//	  Handle(wire.IDFriendRequest, onFriendRequest)
//
// Each packet ID has at most one handler. If a second handler is registered
// for the same ID, Handle keeps the first and logs a warning; MustHandle
// panics instead, which makes a duplicate a startup error.
//
// Once all handlers are registered, call Freeze. A frozen catalog is
// read-only and safe for concurrent use by any number of peers:
//
//	peer.Dispatch(cat.Freeze())
//
// A catalog implements the peerchat.Dispatcher interface. Packets whose ID
// has no handler are not processed locally.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/creachadair/peerchat"
	"github.com/sirupsen/logrus"
)

// A Handler processes an inbound packet received on the connection named by
// conn. On a client the connection ID is zero.
type Handler func(ctx context.Context, conn peerchat.ConnID, pkt *peerchat.Packet)

// A Catalog associates packet IDs with handlers.
type Catalog struct {
	frozen   atomic.Bool
	handlers map[uint16]Handler
	log      logrus.FieldLogger
}

// New creates a new empty catalog.
func New() *Catalog {
	return &Catalog{handlers: make(map[uint16]Handler), log: logrus.StandardLogger()}
}

// SetLogger sets the logger used to report duplicate registrations, and
// passed to handlers by Dispatch. It returns c to allow chaining.
func (c *Catalog) SetLogger(log logrus.FieldLogger) *Catalog { c.log = log; return c }

// Handle registers h for packets with the given ID, and returns c to allow
// chaining. If id already has a handler, the existing handler is kept and the
// duplicate is logged and ignored. Handle panics if id is the reserved
// disconnection ID, or if c is frozen.
func (c *Catalog) Handle(id uint16, h Handler) *Catalog {
	if err := c.add(id, h); err != nil {
		c.log.WithField("packet", id).Warnf("ignoring handler: %v", err)
	}
	return c
}

// MustHandle is as Handle, but panics if id already has a handler.
func (c *Catalog) MustHandle(id uint16, h Handler) *Catalog {
	if err := c.add(id, h); err != nil {
		panic(err.Error())
	}
	return c
}

func (c *Catalog) add(id uint16, h Handler) error {
	if c.frozen.Load() {
		panic("catalog is frozen")
	} else if id == peerchat.IDDisconnect {
		panic(fmt.Sprintf("cannot handle reserved packet ID %d", id))
	} else if h == nil {
		panic("nil handler")
	}
	if _, ok := c.handlers[id]; ok {
		return fmt.Errorf("duplicate handler for packet ID %d", id)
	}
	c.handlers[id] = h
	return nil
}

// Freeze marks c read-only, and returns c to allow chaining. After Freeze,
// any further registration panics.
func (c *Catalog) Freeze() *Catalog { c.frozen.Store(true); return c }

// Lookup reports the handler registered for id, if any.
func (c *Catalog) Lookup(id uint16) (Handler, bool) {
	h, ok := c.handlers[id]
	return h, ok
}

// IDs returns the packet IDs that have handlers, in increasing order.
func (c *Catalog) IDs() []uint16 {
	out := make([]uint16, 0, len(c.handlers))
	for id := range c.handlers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Dispatch calls the handler for pkt, if there is one, and reports whether a
// handler was found. It implements the peerchat.Dispatcher interface.
func (c *Catalog) Dispatch(ctx context.Context, conn peerchat.ConnID, pkt *peerchat.Packet) bool {
	h, ok := c.handlers[pkt.ID]
	if !ok {
		return false
	}
	h(context.WithValue(ctx, logContextKey{}, c.log), conn, pkt)
	return true
}

type logContextKey struct{}

// ContextLogger returns the logger of the catalog that dispatched to the
// handler receiving ctx. It returns the standard logger if ctx did not come
// from a catalog.
func ContextLogger(ctx context.Context) logrus.FieldLogger {
	if v, ok := ctx.Value(logContextKey{}).(logrus.FieldLogger); ok {
		return v
	}
	return logrus.StandardLogger()
}
