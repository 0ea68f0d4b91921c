// Package admin implements the HTTP surface of a peerchat server: a status
// report, read-only views of the directory, the published metrics, and the
// WebSocket endpoint for clients.
package admin

import (
	"bufio"
	"encoding/json"
	"errors"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/directory"
	"github.com/creachadair/peerchat/peers"
	"github.com/creachadair/peerchat/relay"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Options configure the router constructed by New. Server, Relay and Store
// are required.
type Options struct {
	Server *peers.Server
	Relay  *relay.Relay
	Store  directory.Store

	// Logger receives a line for each request. If nil, the logrus standard
	// logger is used.
	Logger logrus.FieldLogger
}

// A Status is the JSON body of a status report.
type Status struct {
	Conns    int                        `json:"conns"`
	Sessions int                        `json:"sessions"`
	Users    int                        `json:"users"`
	Uptime   string                     `json:"uptime"`
	Metrics  map[string]json.RawMessage `json:"metrics"`
}

// A User is the JSON body of a user report.
type User struct {
	ID      peerchat.UserID   `json:"id"`
	Name    string            `json:"name"`
	Avatar  int32             `json:"avatar"`
	Online  bool              `json:"online"`
	Session bool              `json:"session"`
	Friends []peerchat.UserID `json:"friends"`
}

type handler struct {
	Options
	start time.Time
}

// New constructs a router with the following routes:
//
//	GET /status        server status and metrics (Status)
//	GET /users         the IDs of all users
//	GET /users/{id}    one user (User)
//	GET /debug/vars    published expvar metrics
//	GET /ws            WebSocket upgrade for a client connection
func New(opts Options) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	h := &handler{Options: opts, start: time.Now()}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/users", h.users).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.user).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", opts.Server.ServeWebSocket).Methods(http.MethodGet)
	return r
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Conns:    h.Server.Len(),
		Sessions: h.Relay.Sessions(),
		Users:    len(h.Store.Users()),
		Uptime:   time.Since(h.start).Round(time.Second).String(),
		Metrics: map[string]json.RawMessage{
			"peer":   json.RawMessage(new(peerchat.Peer).Metrics().String()),
			"server": json.RawMessage(h.Server.Metrics().String()),
			"relay":  json.RawMessage(h.Relay.Metrics().String()),
		},
	})
}

func (h *handler) users(w http.ResponseWriter, r *http.Request) {
	ids := h.Store.Users()
	if ids == nil {
		ids = []peerchat.UserID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *handler) user(w http.ResponseWriter, r *http.Request) {
	id, err := peerchat.ParseUserID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.Store.UserExists(id) {
		writeError(w, http.StatusNotFound, directory.ErrNotFound)
		return
	}
	_, session := h.Relay.Conn(id)
	friends := h.Store.Friends(id)
	if friends == nil {
		friends = []peerchat.UserID{}
	}
	writeJSON(w, http.StatusOK, User{
		ID:      id,
		Name:    h.Store.Name(id),
		Avatar:  h.Store.Avatar(id),
		Online:  h.Store.IsOnline(id),
		Session: session,
		Friends: friends,
	})
}

// statusWriter records the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (s *statusWriter) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack allows the WebSocket upgrade to take over the connection.
func (s *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	s.code = http.StatusSwitchingProtocols
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.Logger.WithFields(logrus.Fields{
			"addr":    r.RemoteAddr,
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  sw.code,
			"elapsed": time.Since(start),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	var msg struct {
		Error string `json:"error"`
	}
	msg.Error = err.Error()
	if errors.Is(err, directory.ErrNotFound) {
		msg.Error = "user not found"
	}
	writeJSON(w, code, msg)
}
