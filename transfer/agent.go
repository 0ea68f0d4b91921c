package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/handler"
	"github.com/creachadair/peerchat/wire"
	"github.com/sirupsen/logrus"
)

// A Sender sends packets to the server. A *client.Client and a
// *peerchat.Peer are both Senders.
type Sender interface {
	Send(*peerchat.Packet) error
}

// AgentOptions are optional settings for an Agent. A nil *AgentOptions is
// ready for use and provides defaults as described.
type AgentOptions struct {
	// Logger receives transfer logs. If nil, the logrus standard logger is
	// used.
	Logger logrus.FieldLogger

	// OnOffer, if set, is called for each attachment offered by another user.
	OnOffer func(wire.AttachmentReceived)

	// OnProgress, if set, is called with the completion percentage of a
	// download after each chunk is written.
	OnProgress func(Key, float64)

	// OnDone, if set, is called once when a download ends, with a nil error
	// if it completed. A download ended by Cancel is not reported.
	OnDone func(Key, error)
}

// An Agent runs both sides of the transfer protocol for one client. It
// serves chunks of files in its library when other users request them, and
// requests chunks for its own downloads.
type Agent struct {
	lib  *Library
	dl   *Downloads
	out  Sender
	log  logrus.FieldLogger
	opts AgentOptions
}

// NewAgent constructs an agent that serves from lib, tracks downloads in dl,
// and sends its packets to out.
func NewAgent(lib *Library, dl *Downloads, out Sender, opts *AgentOptions) *Agent {
	a := &Agent{lib: lib, dl: dl, out: out, log: logrus.StandardLogger()}
	if opts != nil {
		a.opts = *opts
		if opts.Logger != nil {
			a.log = opts.Logger
		}
	}
	return a
}

// Library returns the library served by a.
func (a *Agent) Library() *Library { return a.lib }

// Downloads returns the download table of a.
func (a *Agent) Downloads() *Downloads { return a.dl }

// Register installs the handlers of a in cat.
func (a *Agent) Register(cat *catalog.Catalog) {
	cat.Handle(wire.IDAttachmentReceived, handler.Of(a.offered)).
		Handle(wire.IDAttachmentDownloadRequest, handler.Of(a.serveDownload)).
		Handle(wire.IDAttachmentChunkRequest, handler.Of(a.serveChunk)).
		Handle(wire.IDAttachmentChunkResponse, handler.Of(a.receive))
}

// Offer shares the file at path with the user to and sends them the offer.
// It returns the identifier of the attachment.
func (a *Agent) Offer(to peerchat.UserID, path string) (string, error) {
	msg, err := a.lib.Share(to, path)
	if err != nil {
		return "", err
	}
	if err := a.out.Send(wire.Pack(msg)); err != nil {
		a.lib.Unshare(msg.Attachment)
		return "", fmt.Errorf("send offer: %w", err)
	}
	a.log.WithFields(logrus.Fields{
		"user":       to,
		"attachment": msg.Attachment,
		"size":       msg.Size,
	}).Info("attachment offered")
	return msg.Attachment, nil
}

// Download starts downloading the given attachment from owner into dest.
func (a *Agent) Download(owner peerchat.UserID, attachment string, dest io.Writer) error {
	req, err := a.dl.Start(owner, attachment, dest)
	if err != nil {
		return err
	}
	if err := a.out.Send(wire.Pack(req)); err != nil {
		a.dl.Cancel(owner, attachment)
		return fmt.Errorf("send download request: %w", err)
	}
	return nil
}

// Expire re-requests chunks for downloads that have timed out as of now, and
// reports downloads that have stalled.
func (a *Agent) Expire(now time.Time) {
	retry, stalled := a.dl.Expire(now)
	for _, req := range retry {
		a.log.WithFields(logrus.Fields{
			"user":       req.User,
			"attachment": req.Attachment,
			"index":      req.Index,
		}).Warn("chunk timed out; requesting again")
		a.send(wire.Pack(req))
	}
	for _, key := range stalled {
		a.log.WithField("download", key).Warn("download stalled")
		a.done(key, fmt.Errorf("download %v: %w", key, ErrStalled))
	}
}

// Run calls Expire periodically until ctx ends. If the downloads have no
// chunk timeout, Run returns immediately.
func (a *Agent) Run(ctx context.Context) error {
	d := a.dl.opts.ChunkTimeout / 2
	if d <= 0 {
		return nil
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			a.Expire(now)
		}
	}
}

func (a *Agent) offered(_ context.Context, _ peerchat.ConnID, m wire.AttachmentReceived) {
	if a.opts.OnOffer != nil {
		a.opts.OnOffer(m)
	}
}

func (a *Agent) serveDownload(ctx context.Context, conn peerchat.ConnID, m wire.AttachmentDownloadRequest) {
	a.serveChunk(ctx, conn, wire.AttachmentChunkRequest{User: m.User, Attachment: m.Attachment})
}

func (a *Agent) serveChunk(_ context.Context, _ peerchat.ConnID, m wire.AttachmentChunkRequest) {
	rsp, err := a.lib.Serve(m)
	if err != nil {
		a.log.WithField("user", m.User).Warnf("serve chunk: %v", err)
		return
	}
	a.send(wire.Pack(rsp))
}

func (a *Agent) receive(_ context.Context, _ peerchat.ConnID, m wire.AttachmentChunkResponse) {
	key := Key{Owner: m.User, Attachment: m.Attachment}
	next, done, err := a.dl.Receive(m)
	switch {
	case errors.Is(err, ErrUnknown), errors.Is(err, ErrOutOfOrder):
		a.log.WithField("download", key).Debugf("ignoring chunk: %v", err)
		return
	case err != nil:
		a.done(key, err)
		return
	}
	if a.opts.OnProgress != nil {
		a.opts.OnProgress(key, float64(m.Index+1)/float64(m.Count)*100)
	}
	if done {
		a.log.WithField("download", key).Info("download complete")
		a.done(key, nil)
		return
	}
	if err := a.out.Send(wire.Pack(next)); err != nil {
		a.dl.Cancel(key.Owner, key.Attachment)
		a.done(key, fmt.Errorf("request chunk %d: %w", next.Index, err))
	}
}

func (a *Agent) send(pkt *peerchat.Packet) {
	if err := a.out.Send(pkt); err != nil {
		a.log.WithField("packet", wire.Name(pkt.ID)).Warnf("send failed: %v", err)
	}
}

func (a *Agent) done(key Key, err error) {
	if err != nil {
		a.log.WithField("download", key).Errorf("download failed: %v", err)
	}
	if a.opts.OnDone != nil {
		a.opts.OnDone(key, err)
	}
}
