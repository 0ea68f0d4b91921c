// Package transfer implements pull-based chunked file transfer between two
// users whose traffic is relayed by a server.
//
// The owner of a file shares it with a Library, which assigns an attachment
// identifier and produces the offer to send to the recipient. The recipient
// starts a download with Downloads and requests chunks one at a time: each
// chunk response carries the total chunk count and the index it holds, and
// the recipient asks for the next index only after writing the previous
// chunk. Nothing is pushed without a request.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/wire"
	"github.com/google/uuid"
)

// ChunkSize is the maximum number of file bytes carried by one chunk.
const ChunkSize = 1 << 20

// ChunkCount reports the number of chunks needed to send a file of the given
// size. An empty file is sent as one empty chunk.
func ChunkCount(size int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

var (
	// ErrNotShared is reported for a request naming an attachment that is
	// not shared with the requester.
	ErrNotShared = errors.New("attachment is not shared")

	// ErrInProgress is reported by Start for a download that conflicts with
	// one already in progress.
	ErrInProgress = errors.New("download already in progress")

	// ErrUnknown is reported by Receive for a chunk that does not belong to
	// any download in progress.
	ErrUnknown = errors.New("no such download")

	// ErrOutOfOrder is reported by Receive for a chunk whose index is not the
	// one expected next.
	ErrOutOfOrder = errors.New("chunk out of order")

	// ErrBadCount is reported by Receive for a chunk whose count is not
	// positive, does not cover its index, or differs from earlier chunks.
	ErrBadCount = errors.New("invalid chunk count")

	// ErrStalled is reported for a download abandoned after its owner stopped
	// responding.
	ErrStalled = errors.New("download stalled")
)

type share struct {
	to   peerchat.UserID
	path string
	name string
	size int64
}

// A Library holds the files a user has offered to others. It is safe for
// concurrent use.
type Library struct {
	μ      sync.Mutex
	shares map[string]*share
}

// NewLibrary constructs an empty library.
func NewLibrary() *Library { return &Library{shares: make(map[string]*share)} }

// Share registers the file at path for download by the user to, and returns
// the offer to send them. The file must exist and be a regular file; its
// contents are read when chunks are requested.
func (l *Library) Share(to peerchat.UserID, path string) (wire.AttachmentSent, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return wire.AttachmentSent{}, fmt.Errorf("share: %w", err)
	} else if !fi.Mode().IsRegular() {
		return wire.AttachmentSent{}, fmt.Errorf("share %q: not a regular file", path)
	}
	id := uuid.NewString()
	s := &share{to: to, path: path, name: filepath.Base(path), size: fi.Size()}

	l.μ.Lock()
	l.shares[id] = s
	l.μ.Unlock()
	return wire.AttachmentSent{
		User:       to,
		Attachment: id,
		Size:       strconv.FormatInt(s.size, 10),
		Name:       s.name,
	}, nil
}

// Unshare removes the attachment with the given identifier, and reports
// whether it was present.
func (l *Library) Unshare(attachment string) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	_, ok := l.shares[attachment]
	delete(l.shares, attachment)
	return ok
}

// Len reports the number of shared attachments.
func (l *Library) Len() int {
	l.μ.Lock()
	defer l.μ.Unlock()
	return len(l.shares)
}

// Serve reads the chunk requested by req. The User of req is the requester,
// and is also the addressee of the response. The Count of req is ignored; the
// response reports the current chunk count of the file.
func (l *Library) Serve(req wire.AttachmentChunkRequest) (*wire.AttachmentChunkResponse, error) {
	l.μ.Lock()
	s, ok := l.shares[req.Attachment]
	l.μ.Unlock()
	if !ok || s.to != req.User {
		return nil, fmt.Errorf("attachment %q: %w", req.Attachment, ErrNotShared)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", req.Attachment, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("attachment %q: %w", req.Attachment, err)
	}
	count := ChunkCount(fi.Size())
	if req.Index < 0 || int(req.Index) >= count {
		return nil, fmt.Errorf("attachment %q: chunk %d out of range (%d chunks)", req.Attachment, req.Index, count)
	}
	data, err := io.ReadAll(io.NewSectionReader(f, int64(req.Index)*ChunkSize, ChunkSize))
	if err != nil {
		return nil, fmt.Errorf("attachment %q: read chunk %d: %w", req.Attachment, req.Index, err)
	}
	return &wire.AttachmentChunkResponse{
		User:       req.User,
		Attachment: req.Attachment,
		Count:      int32(count),
		Index:      req.Index,
		Data:       data,
	}, nil
}

// ServeDownload reads the first chunk of the attachment named by req.
func (l *Library) ServeDownload(req wire.AttachmentDownloadRequest) (*wire.AttachmentChunkResponse, error) {
	return l.Serve(wire.AttachmentChunkRequest{User: req.User, Attachment: req.Attachment})
}
