package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/peerchat"
)

type memUser struct {
	name    string
	avatar  int32
	online  bool
	friends mapset.Set[peerchat.UserID]
}

// Memory is an in-memory Store. If it has a path, Load and Save read and
// write the directory as a JSON array of records at that path.
type Memory struct {
	path string

	μ     sync.Mutex
	users map[peerchat.UserID]*memUser
}

// NewMemory constructs an empty store persisted at path. If path == "", the
// store is not persisted and Load and Save do nothing.
func NewMemory(path string) *Memory {
	return &Memory{path: path, users: make(map[peerchat.UserID]*memUser)}
}

// UserExists implements a method of the Store interface.
func (m *Memory) UserExists(id peerchat.UserID) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	_, ok := m.users[id]
	return ok
}

// CreateUser implements a method of the Store interface.
func (m *Memory) CreateUser(id peerchat.UserID, name string, avatar int32) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if _, ok := m.users[id]; ok {
		return fmt.Errorf("create %v: %w", id, ErrExists)
	}
	m.users[id] = &memUser{name: name, avatar: avatar, friends: mapset.New[peerchat.UserID]()}
	return nil
}

// DeleteUser implements a method of the Store interface.
func (m *Memory) DeleteUser(id peerchat.UserID) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("delete %v: %w", id, ErrNotFound)
	}
	for f := range u.friends {
		if fu, ok := m.users[f]; ok {
			fu.friends.Remove(id)
		}
	}
	delete(m.users, id)
	return nil
}

// with calls f with the record for id under the lock, or reports ErrNotFound.
func (m *Memory) with(id peerchat.UserID, f func(*memUser)) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %v: %w", id, ErrNotFound)
	}
	f(u)
	return nil
}

// UpdateName implements a method of the Store interface.
func (m *Memory) UpdateName(id peerchat.UserID, name string) error {
	return m.with(id, func(u *memUser) { u.name = name })
}

// SetAvatar implements a method of the Store interface.
func (m *Memory) SetAvatar(id peerchat.UserID, avatar int32) error {
	return m.with(id, func(u *memUser) { u.avatar = avatar })
}

// SetOnline implements a method of the Store interface.
func (m *Memory) SetOnline(id peerchat.UserID, online bool) error {
	return m.with(id, func(u *memUser) { u.online = online })
}

// Name implements a method of the Store interface.
func (m *Memory) Name(id peerchat.UserID) (name string) {
	m.with(id, func(u *memUser) { name = u.name })
	return
}

// Avatar implements a method of the Store interface.
func (m *Memory) Avatar(id peerchat.UserID) int32 {
	avatar := int32(-1)
	m.with(id, func(u *memUser) { avatar = u.avatar })
	return avatar
}

// IsOnline implements a method of the Store interface.
func (m *Memory) IsOnline(id peerchat.UserID) (online bool) {
	m.with(id, func(u *memUser) { online = u.online })
	return
}

// AddFriend implements a method of the Store interface.
func (m *Memory) AddFriend(a, b peerchat.UserID) error {
	if a == b {
		return fmt.Errorf("add friend %v: %w", a, ErrSelfFriend)
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	ua, ok := m.users[a]
	if !ok {
		return fmt.Errorf("add friend %v: %w", a, ErrNotFound)
	}
	ub, ok := m.users[b]
	if !ok {
		return fmt.Errorf("add friend %v: %w", b, ErrNotFound)
	}
	ua.friends.Add(b)
	ub.friends.Add(a)
	return nil
}

// RemoveFriend implements a method of the Store interface.
func (m *Memory) RemoveFriend(a, b peerchat.UserID) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if ua, ok := m.users[a]; ok {
		ua.friends.Remove(b)
	}
	if ub, ok := m.users[b]; ok {
		ub.friends.Remove(a)
	}
	return nil
}

// Friends implements a method of the Store interface.
func (m *Memory) Friends(id peerchat.UserID) (out []peerchat.UserID) {
	m.with(id, func(u *memUser) { out = u.friends.Slice() })
	return sortIDs(out)
}

// Users implements a method of the Store interface.
func (m *Memory) Users() []peerchat.UserID {
	m.μ.Lock()
	out := make([]peerchat.UserID, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	m.μ.Unlock()
	return sortIDs(out)
}

// Load implements a method of the Store interface. A missing file is not an
// error, and leaves the store empty. Loading replaces the current contents.
func (m *Memory) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("load directory %q: %w", m.path, err)
	}

	users := make(map[peerchat.UserID]*memUser, len(recs))
	for _, r := range recs {
		users[r.ID] = &memUser{name: r.Name, avatar: r.Avatar, friends: mapset.New(r.Friends...)}
	}
	// Keep only edges whose ends both exist, in both directions.
	for id, u := range users {
		for f := range u.friends {
			if fu, ok := users[f]; !ok || f == id {
				u.friends.Remove(f)
			} else {
				fu.friends.Add(id)
			}
		}
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	m.users = users
	return nil
}

// Save implements a method of the Store interface. The file is replaced
// atomically.
func (m *Memory) Save() error {
	if m.path == "" {
		return nil
	}
	m.μ.Lock()
	recs := make([]Record, 0, len(m.users))
	for id, u := range m.users {
		recs = append(recs, Record{
			ID:      id,
			Online:  u.online,
			Name:    u.name,
			Avatar:  u.avatar,
			Friends: sortIDs(u.friends.Slice()),
		})
	}
	m.μ.Unlock()
	sortRecords(recs)

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("save directory: %w", err)
	}
	return atomicWrite(m.path, data)
}

// Close implements a method of the Store interface. It does not save.
func (m *Memory) Close() error { return nil }

func sortRecords(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int { return a.ID.Compare(b.ID) })
}

// atomicWrite writes data to a temporary file beside path, then renames it
// over path.
func atomicWrite(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("save directory: %w", err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save directory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save directory: %w", err)
	}
	return nil
}
