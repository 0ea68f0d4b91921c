package peers

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ServerOptions are optional settings for a Server. A nil *ServerOptions is
// ready for use and provides defaults as described.
type ServerOptions struct {
	// Dispatcher routes inbound packets to handlers. If nil, inbound packets
	// are discarded.
	Dispatcher peerchat.Dispatcher

	// OnConnect, if set, is called with the ID of each new connection after
	// it has been added to the connection table.
	OnConnect func(peerchat.ConnID)

	// OnDisconnect, if set, is called with the ID of each connection that
	// ends, after it has been removed from the connection table.
	OnDisconnect func(peerchat.ConnID)

	// LogPackets, if set, is installed as the packet logger of every peer.
	LogPackets peerchat.PacketLogger

	// Logger receives connection logs. If nil, the logrus standard logger is
	// used.
	Logger logrus.FieldLogger

	// Upgrader is used by ServeWebSocket. If nil, a default upgrader that
	// accepts any origin is used.
	Upgrader *websocket.Upgrader
}

func (o *ServerOptions) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// ErrServerClosed is reported by Start and Listen after Shutdown.
var ErrServerClosed = errors.New("server is shut down")

// A Server accepts connections and keeps a table of the live ones, keyed by a
// random connection ID assigned on accept. It is safe for concurrent use.
type Server struct {
	disp    peerchat.Dispatcher
	onConn  func(peerchat.ConnID)
	onExit  func(peerchat.ConnID)
	plog    peerchat.PacketLogger
	log     logrus.FieldLogger
	upgrade *websocket.Upgrader
	loops   *taskgroup.Group
	metrics *serverMetrics

	μ       sync.Mutex
	conns   map[peerchat.ConnID]*peerchat.Peer
	cancels []context.CancelFunc
	closed  bool
}

// NewServer constructs a new server with no listeners. Call Start or Listen
// to begin accepting connections.
func NewServer(opts *ServerOptions) *Server {
	s := &Server{
		log:     opts.logger(),
		loops:   taskgroup.New(nil),
		metrics: newServerMetrics(),
		conns:   make(map[peerchat.ConnID]*peerchat.Peer),
		upgrade: &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if opts != nil {
		s.disp = opts.Dispatcher
		s.onConn = opts.OnConnect
		s.onExit = opts.OnDisconnect
		s.plog = opts.LogPackets
		if opts.Upgrader != nil {
			s.upgrade = opts.Upgrader
		}
	}
	return s
}

// Listen opens a TCP listener at addr and starts accepting connections on it
// in the background. It reports the bound address, which is useful when addr
// requests an arbitrary port.
func (s *Server) Listen(ctx context.Context, addr string) (net.Addr, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx, lst); err != nil {
		lst.Close()
		return nil, err
	}
	return lst.Addr(), nil
}

// Start begins accepting connections from lst in the background. The
// listener is closed when ctx ends or the server shuts down.
func (s *Server) Start(ctx context.Context, lst net.Listener) error {
	return s.Serve(ctx, NetAccepter(lst))
}

// Serve begins accepting connections from acc in the background, until acc
// closes, ctx ends, or the server shuts down.
func (s *Server) Serve(ctx context.Context, acc Accepter) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	lctx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)
	s.loops.Go(func() error {
		defer cancel()
		return Loop(lctx, acc, func() *peerchat.Peer { return s.newPeer(lctx) })
	})
	return nil
}

// ServeWebSocket is an http.Handler that upgrades a request to a WebSocket
// connection and adds it to the connection table. Once shut down, the server
// refuses new connections with 503 Service Unavailable.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	s.μ.Lock()
	closed := s.closed
	s.μ.Unlock()
	if closed {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("addr", r.RemoteAddr).Warnf("websocket upgrade failed: %v", err)
		return // the upgrader has already replied
	}
	peer := s.newPeer(context.Background()).Start(channel.WebSocket(conn))
	s.loops.Go(func() error { peer.Wait(); return nil })
}

// newPeer constructs an unstarted peer with a fresh connection ID and adds it
// to the connection table.
func (s *Server) newPeer(ctx context.Context) *peerchat.Peer {
	s.μ.Lock()
	defer s.μ.Unlock()

	id := peerchat.NewConnID()
	for _, ok := s.conns[id]; ok || id.IsZero(); _, ok = s.conns[id] {
		id = peerchat.NewConnID()
	}
	log := s.log.WithField("conn", id)
	peer := peerchat.NewPeer().
		SetID(id).
		SetLogger(log).
		Dispatch(s.disp).
		LogPackets(s.plog).
		NewContext(func() context.Context { return ctx }).
		OnConnect(func() {
			s.metrics.accepted.Add(1)
			log.Info("connection accepted")
			if s.onConn != nil {
				s.onConn(id)
			}
		}).
		OnExit(func(err error) {
			s.remove(id)
			if err != nil {
				log.Infof("connection lost: %v", err)
			} else {
				log.Info("connection closed")
			}
			if s.onExit != nil {
				s.onExit(id)
			}
		})
	s.conns[id] = peer
	s.metrics.active.Set(int64(len(s.conns)))
	return peer
}

func (s *Server) remove(id peerchat.ConnID) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.conns, id)
	s.metrics.active.Set(int64(len(s.conns)))
}

func (s *Server) peer(id peerchat.ConnID) *peerchat.Peer {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.conns[id]
}

// Send sends pkt to the connection with the given ID. If there is no such
// connection, or it has already closed, Send does nothing and returns nil.
func (s *Server) Send(id peerchat.ConnID, pkt *peerchat.Packet) error {
	p := s.peer(id)
	if p == nil {
		return nil
	}
	if err := p.Send(pkt); err != nil && !errors.Is(err, peerchat.ErrClosed) {
		return err
	}
	return nil
}

// Broadcast sends pkt to every live connection other than except, one after
// another. Send failures are logged and do not stop the broadcast.
func (s *Server) Broadcast(except peerchat.ConnID, pkt *peerchat.Packet) {
	s.metrics.broadcasts.Add(1)
	for _, id := range s.Conns() {
		if id == except {
			continue
		}
		if err := s.Send(id, pkt); err != nil {
			s.log.WithFields(logrus.Fields{
				"conn":   id,
				"packet": pkt.ID,
			}).Warnf("broadcast failed: %v", err)
		}
	}
}

// Len reports the number of live connections.
func (s *Server) Len() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.conns)
}

// Conns returns a snapshot of the IDs of the live connections, in increasing
// order of their binary representation.
func (s *Server) Conns() []peerchat.ConnID {
	s.μ.Lock()
	out := make([]peerchat.ConnID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	s.μ.Unlock()
	slices.SortFunc(out, func(a, b peerchat.ConnID) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// Metrics returns the metrics map for the server.
func (s *Server) Metrics() *expvar.Map { return s.metrics.emap }

// Shutdown disconnects every live connection, which sends each remote peer a
// disconnection notice, then stops all listeners and waits for the accept
// loops to exit. After Shutdown the server accepts no new connections.
func (s *Server) Shutdown() error {
	s.μ.Lock()
	s.closed = true
	live := make([]*peerchat.Peer, 0, len(s.conns))
	for _, p := range s.conns {
		live = append(live, p)
	}
	cancels := s.cancels
	s.cancels = nil
	s.μ.Unlock()

	for _, p := range live {
		p.Disconnect()
	}
	for _, cancel := range cancels {
		cancel()
	}
	return s.loops.Wait()
}

type serverMetrics struct {
	accepted   expvar.Int
	active     expvar.Int
	broadcasts expvar.Int

	emap *expvar.Map
}

func newServerMetrics() *serverMetrics {
	sm := &serverMetrics{emap: new(expvar.Map)}
	sm.emap.Set("conns_accepted", &sm.accepted)
	sm.emap.Set("conns_active", &sm.active)
	sm.emap.Set("broadcasts", &sm.broadcasts)
	return sm
}
