// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peerchat

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// A ConnID names one live connection on a server. It is assigned when the
// connection is accepted and is meaningless once the connection closes.
// The zero ConnID denotes the single connection of a client.
type ConnID uuid.UUID

// NewConnID returns a fresh random connection ID.
func NewConnID() ConnID { return ConnID(uuid.New()) }

// IsZero reports whether c is the zero ConnID.
func (c ConnID) IsZero() bool { return c == ConnID{} }

// String returns the canonical text form of c.
func (c ConnID) String() string { return uuid.UUID(c).String() }

// A UserID is the persistent identifier of an account. Unlike a ConnID it
// survives reconnects, and it is the only identifier clients ever see for
// other users.
type UserID uuid.UUID

// NewUserID returns a fresh random user ID.
func NewUserID() UserID { return UserID(uuid.New()) }

// ParseUserID parses the text form of a user ID.
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", s, err)
	}
	return UserID(u), nil
}

// IsZero reports whether u is the zero UserID.
func (u UserID) IsZero() bool { return u == UserID{} }

// String returns the canonical text form of u.
func (u UserID) String() string { return uuid.UUID(u).String() }

// Compare orders user IDs by their binary representation.
func (u UserID) Compare(v UserID) int { return bytes.Compare(u[:], v[:]) }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) { return uuid.UUID(u).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UserID) UnmarshalText(data []byte) error {
	v, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = v
	return nil
}
