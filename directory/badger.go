package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/creachadair/peerchat"
	"github.com/dgraph-io/badger/v4"
)

const userPrefix = "user/"

func userKey(id peerchat.UserID) []byte { return []byte(userPrefix + id.String()) }

// Badger is a Store that keeps one JSON record per user in a Badger
// database. Friendship updates change both records in one transaction.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates a Badger store in dir. If dir == "", the
// database is kept in memory and is discarded on Close.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	return &Badger{db: db}, nil
}

func getRecord(txn *badger.Txn, id peerchat.UserID) (*Record, error) {
	item, err := txn.Get(userKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("user %v: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
		return nil, fmt.Errorf("user %v: %w", id, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(userKey(rec.ID), data)
}

// view returns a copy of the record for id, or nil if it does not exist.
func (b *Badger) view(id peerchat.UserID) *Record {
	var rec *Record
	b.db.View(func(txn *badger.Txn) (err error) {
		rec, err = getRecord(txn, id)
		return
	})
	return rec
}

// write runs f in a read-write transaction, and runs it again if the commit
// conflicts with a concurrent write to the same records.
func (b *Badger) write(f func(*badger.Txn) error) error {
	for {
		err := b.db.Update(f)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// update applies f to the record for id and stores the result.
func (b *Badger) update(id peerchat.UserID, f func(*Record)) error {
	return b.write(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		f(rec)
		return putRecord(txn, rec)
	})
}

// UserExists implements a method of the Store interface.
func (b *Badger) UserExists(id peerchat.UserID) bool { return b.view(id) != nil }

// CreateUser implements a method of the Store interface.
func (b *Badger) CreateUser(id peerchat.UserID, name string, avatar int32) error {
	return b.write(func(txn *badger.Txn) error {
		if _, err := txn.Get(userKey(id)); err == nil {
			return fmt.Errorf("create %v: %w", id, ErrExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putRecord(txn, &Record{ID: id, Name: name, Avatar: avatar})
	})
}

// DeleteUser implements a method of the Store interface.
func (b *Badger) DeleteUser(id peerchat.UserID) error {
	return b.write(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		for _, f := range rec.Friends {
			frec, err := getRecord(txn, f)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			frec.Friends = slices.DeleteFunc(frec.Friends, func(v peerchat.UserID) bool { return v == id })
			if err := putRecord(txn, frec); err != nil {
				return err
			}
		}
		return txn.Delete(userKey(id))
	})
}

// UpdateName implements a method of the Store interface.
func (b *Badger) UpdateName(id peerchat.UserID, name string) error {
	return b.update(id, func(r *Record) { r.Name = name })
}

// SetAvatar implements a method of the Store interface.
func (b *Badger) SetAvatar(id peerchat.UserID, avatar int32) error {
	return b.update(id, func(r *Record) { r.Avatar = avatar })
}

// SetOnline implements a method of the Store interface.
func (b *Badger) SetOnline(id peerchat.UserID, online bool) error {
	return b.update(id, func(r *Record) { r.Online = online })
}

// Name implements a method of the Store interface.
func (b *Badger) Name(id peerchat.UserID) string {
	if rec := b.view(id); rec != nil {
		return rec.Name
	}
	return ""
}

// Avatar implements a method of the Store interface.
func (b *Badger) Avatar(id peerchat.UserID) int32 {
	if rec := b.view(id); rec != nil {
		return rec.Avatar
	}
	return -1
}

// IsOnline implements a method of the Store interface.
func (b *Badger) IsOnline(id peerchat.UserID) bool {
	rec := b.view(id)
	return rec != nil && rec.Online
}

// AddFriend implements a method of the Store interface.
func (b *Badger) AddFriend(x, y peerchat.UserID) error {
	if x == y {
		return fmt.Errorf("add friend %v: %w", x, ErrSelfFriend)
	}
	return b.write(func(txn *badger.Txn) error {
		rx, err := getRecord(txn, x)
		if err != nil {
			return err
		}
		ry, err := getRecord(txn, y)
		if err != nil {
			return err
		}
		if !slices.Contains(rx.Friends, y) {
			rx.Friends = sortIDs(append(rx.Friends, y))
		}
		if !slices.Contains(ry.Friends, x) {
			ry.Friends = sortIDs(append(ry.Friends, x))
		}
		if err := putRecord(txn, rx); err != nil {
			return err
		}
		return putRecord(txn, ry)
	})
}

// RemoveFriend implements a method of the Store interface.
func (b *Badger) RemoveFriend(x, y peerchat.UserID) error {
	return b.write(func(txn *badger.Txn) error {
		for _, p := range [][2]peerchat.UserID{{x, y}, {y, x}} {
			rec, err := getRecord(txn, p[0])
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			rec.Friends = slices.DeleteFunc(rec.Friends, func(v peerchat.UserID) bool { return v == p[1] })
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Friends implements a method of the Store interface.
func (b *Badger) Friends(id peerchat.UserID) []peerchat.UserID {
	if rec := b.view(id); rec != nil {
		return sortIDs(rec.Friends)
	}
	return nil
}

// scan calls f for each record in the store.
func (b *Badger) scan(txn *badger.Txn, f func(*Record) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(userPrefix), PrefetchValues: true, PrefetchSize: 64})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var rec Record
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return fmt.Errorf("key %q: %w", it.Item().Key(), err)
		}
		if err := f(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Users implements a method of the Store interface.
func (b *Badger) Users() []peerchat.UserID {
	var out []peerchat.UserID
	b.db.View(func(txn *badger.Txn) error {
		return b.scan(txn, func(r *Record) error { out = append(out, r.ID); return nil })
	})
	return sortIDs(out)
}

// Load implements a method of the Store interface. The database is always
// current, so Load only marks every user offline; flags left set by an
// unclean shutdown are stale.
func (b *Badger) Load() error {
	var online []*Record
	if err := b.db.View(func(txn *badger.Txn) error {
		return b.scan(txn, func(r *Record) error {
			if r.Online {
				online = append(online, r)
			}
			return nil
		})
	}); err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range online {
		r.Online = false
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := wb.Set(userKey(r.ID), data); err != nil {
			return fmt.Errorf("load directory: %w", err)
		}
	}
	return wb.Flush()
}

// Save implements a method of the Store interface. Updates are durable when
// their transactions commit, so Save only syncs the database to disk.
func (b *Badger) Save() error {
	if b.db.Opts().InMemory {
		return nil
	}
	return b.db.Sync()
}

// Close implements a method of the Store interface.
func (b *Badger) Close() error { return b.db.Close() }
