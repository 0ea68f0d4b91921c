package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/wire"
)

// Options are optional settings for Downloads. A nil *Options is ready for
// use and provides defaults as described.
type Options struct {
	// ChunkTimeout is how long a download may wait for its next chunk before
	// Expire requests it again. If zero, downloads wait indefinitely.
	ChunkTimeout time.Duration

	// MaxRetries is the number of times Expire requests a chunk again before
	// abandoning the download. If zero, Expire abandons a download the first
	// time it times out.
	MaxRetries int

	// If Exclusive is true, at most one download may be in progress at once.
	Exclusive bool
}

// A Key names a download by the owner of the attachment and its identifier.
type Key struct {
	Owner      peerchat.UserID
	Attachment string
}

func (k Key) String() string { return k.Owner.String() + "/" + k.Attachment }

type download struct {
	dest    io.Writer
	count   int32 // 0 until the first chunk arrives
	next    int32
	last    time.Time
	retries int
}

func (d *download) progress() float64 {
	if d.count == 0 {
		return 0
	}
	return float64(d.next) / float64(d.count) * 100
}

// Downloads tracks the downloads in progress on the receiving side of a
// transfer. It is safe for concurrent use.
type Downloads struct {
	opts Options

	μ      sync.Mutex
	active map[Key]*download
}

// NewDownloads constructs an empty download table with the given options.
func NewDownloads(opts *Options) *Downloads {
	d := &Downloads{active: make(map[Key]*download)}
	if opts != nil {
		d.opts = *opts
	}
	return d
}

// Start begins a download of the given attachment from owner, writing its
// contents to dest, and returns the request to send to the owner. It reports
// ErrInProgress if the same download is already in progress, or if the
// table is exclusive and any download is in progress.
func (d *Downloads) Start(owner peerchat.UserID, attachment string, dest io.Writer) (wire.AttachmentDownloadRequest, error) {
	key := Key{Owner: owner, Attachment: attachment}
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.active[key]; ok {
		return wire.AttachmentDownloadRequest{}, fmt.Errorf("download %v: %w", key, ErrInProgress)
	} else if d.opts.Exclusive && len(d.active) != 0 {
		return wire.AttachmentDownloadRequest{}, fmt.Errorf("download %v: %w", key, ErrInProgress)
	}
	d.active[key] = &download{dest: dest, last: time.Now()}
	return wire.AttachmentDownloadRequest{User: owner, Attachment: attachment}, nil
}

// Receive writes the contents of chunk to its download. The User of chunk is
// the owner of the attachment. If more chunks remain, Receive returns the
// request for the next one; otherwise it reports done and the download is
// complete.
//
// A chunk whose index is not the one expected next is rejected with
// ErrOutOfOrder and does not change the download. A chunk with an invalid
// count is reported with ErrBadCount, and the download is abandoned, as it is
// if writing the chunk fails.
func (d *Downloads) Receive(chunk wire.AttachmentChunkResponse) (next *wire.AttachmentChunkRequest, done bool, err error) {
	key := Key{Owner: chunk.User, Attachment: chunk.Attachment}
	d.μ.Lock()
	defer d.μ.Unlock()
	dl, ok := d.active[key]
	if !ok {
		return nil, false, fmt.Errorf("chunk for %v: %w", key, ErrUnknown)
	}
	if chunk.Index != dl.next {
		return nil, false, fmt.Errorf("chunk %d for %v, want %d: %w", chunk.Index, key, dl.next, ErrOutOfOrder)
	}
	if chunk.Count <= 0 || chunk.Index >= chunk.Count || (dl.count != 0 && chunk.Count != dl.count) {
		delete(d.active, key)
		return nil, false, fmt.Errorf("chunk %d for %v: count %d: %w", chunk.Index, key, chunk.Count, ErrBadCount)
	}
	if _, err := dl.dest.Write(chunk.Data); err != nil {
		delete(d.active, key)
		return nil, false, fmt.Errorf("chunk %d for %v: %w", chunk.Index, key, err)
	}
	dl.count = chunk.Count
	dl.next = chunk.Index + 1
	dl.last = time.Now()
	dl.retries = 0

	if dl.next < dl.count {
		return dl.request(key), false, nil
	}
	delete(d.active, key)
	return nil, true, nil
}

func (dl *download) request(key Key) *wire.AttachmentChunkRequest {
	return &wire.AttachmentChunkRequest{
		User:       key.Owner,
		Attachment: key.Attachment,
		Count:      dl.count,
		Index:      dl.next,
	}
}

// Progress reports the percentage of the given download completed so far,
// and whether it is in progress.
func (d *Downloads) Progress(owner peerchat.UserID, attachment string) (float64, bool) {
	d.μ.Lock()
	defer d.μ.Unlock()
	dl, ok := d.active[Key{Owner: owner, Attachment: attachment}]
	if !ok {
		return 0, false
	}
	return dl.progress(), true
}

// Cancel abandons the given download, and reports whether it was in
// progress. Chunks that arrive for it later are reported as unknown.
func (d *Downloads) Cancel(owner peerchat.UserID, attachment string) bool {
	key := Key{Owner: owner, Attachment: attachment}
	d.μ.Lock()
	defer d.μ.Unlock()
	_, ok := d.active[key]
	delete(d.active, key)
	return ok
}

// Len reports the number of downloads in progress.
func (d *Downloads) Len() int {
	d.μ.Lock()
	defer d.μ.Unlock()
	return len(d.active)
}

// Expire checks for downloads that have waited longer than the chunk timeout
// as of now. For each, it returns the request to send again, or if the
// download has used up its retries, abandons it and reports it in stalled.
// If the chunk timeout is zero, Expire does nothing.
func (d *Downloads) Expire(now time.Time) (retry []*wire.AttachmentChunkRequest, stalled []Key) {
	if d.opts.ChunkTimeout <= 0 {
		return nil, nil
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	for key, dl := range d.active {
		if now.Sub(dl.last) < d.opts.ChunkTimeout {
			continue
		}
		if dl.retries >= d.opts.MaxRetries {
			delete(d.active, key)
			stalled = append(stalled, key)
			continue
		}
		dl.retries++
		dl.last = now
		retry = append(retry, dl.request(key))
	}
	return retry, stalled
}
