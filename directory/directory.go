// Package directory defines the store of user accounts and the friend graph
// consulted by the relay, with an in-memory implementation persisted to a
// JSON file and an implementation backed by a Badger database.
package directory

import (
	"errors"
	"io"
	"slices"

	"github.com/creachadair/peerchat"
)

// Store is the interface to a directory of user accounts.
//
// Friendship is symmetric: after AddFriend(a, b), a is a friend of b and b is
// a friend of a, and RemoveFriend removes both directions. A user is never a
// friend of itself. Implementations must be safe for concurrent use.
//
// Accessors for a user that does not exist report zero values, with an
// avatar of -1.
type Store interface {
	// UserExists reports whether id names an account.
	UserExists(id peerchat.UserID) bool

	// CreateUser creates an offline account with no friends. It reports
	// ErrExists if id already names an account.
	CreateUser(id peerchat.UserID, name string, avatar int32) error

	// DeleteUser deletes the account and removes it from the friend set of
	// every other user.
	DeleteUser(id peerchat.UserID) error

	UpdateName(id peerchat.UserID, name string) error
	SetAvatar(id peerchat.UserID, avatar int32) error
	SetOnline(id peerchat.UserID, online bool) error

	Name(id peerchat.UserID) string
	Avatar(id peerchat.UserID) int32
	IsOnline(id peerchat.UserID) bool

	// AddFriend records a friendship between a and b. It is idempotent. It
	// reports an error if a == b or if either account does not exist.
	AddFriend(a, b peerchat.UserID) error

	// RemoveFriend removes the friendship between a and b, if any.
	RemoveFriend(a, b peerchat.UserID) error

	// Friends reports the friends of id in increasing order.
	Friends(id peerchat.UserID) []peerchat.UserID

	// Users reports the IDs of all accounts in increasing order.
	Users() []peerchat.UserID

	// Load reads persisted state, if any. Every user is marked offline.
	Load() error

	// Save persists the current state.
	Save() error

	io.Closer
}

var (
	// ErrNotFound is reported for an operation on an account that does not
	// exist.
	ErrNotFound = errors.New("user not found")

	// ErrExists is reported by CreateUser for an account that already exists.
	ErrExists = errors.New("user already exists")

	// ErrSelfFriend is reported by AddFriend when both users are the same.
	ErrSelfFriend = errors.New("a user cannot befriend itself")
)

// A Record is the persisted form of one account.
type Record struct {
	ID      peerchat.UserID   `json:"id"`
	Online  bool              `json:"online"`
	Name    string            `json:"name"`
	Avatar  int32             `json:"avatar"`
	Friends []peerchat.UserID `json:"friends"`
}

func sortIDs(ids []peerchat.UserID) []peerchat.UserID {
	slices.SortFunc(ids, peerchat.UserID.Compare)
	return ids
}
